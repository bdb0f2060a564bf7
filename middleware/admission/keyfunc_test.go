package admission

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultKeyFunc(t *testing.T) {
	cases := []struct {
		name       string
		keyHeader  string
		trustXFF   bool
		remoteAddr string
		headers    map[string]string
		want       string
	}{
		{
			name:       "tenant header wins",
			keyHeader:  "X-Tenant-ID",
			remoteAddr: "10.0.0.1:1234",
			headers:    map[string]string{"X-Tenant-ID": " acme "},
			want:       "acme",
		},
		{
			name:       "blank tenant header falls back to remote host",
			keyHeader:  "X-Tenant-ID",
			remoteAddr: "10.0.0.9:5555",
			headers:    map[string]string{"X-Tenant-ID": "   "},
			want:       "10.0.0.9",
		},
		{
			name:       "first forwarded ip when trusted",
			trustXFF:   true,
			remoteAddr: "10.0.0.9:5555",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4, 5.6.7.8"},
			want:       "1.2.3.4",
		},
		{
			name:       "forwarded ignored when not trusted",
			remoteAddr: "10.0.0.9:5555",
			headers:    map[string]string{"X-Forwarded-For": "1.2.3.4"},
			want:       "10.0.0.9",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "unix-socket",
			want:       "unix-socket",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
			r.RemoteAddr = tc.remoteAddr
			for k, v := range tc.headers {
				r.Header.Set(k, v)
			}
			assert.Equal(t, tc.want, DefaultKeyFunc(tc.keyHeader, tc.trustXFF)(r))
		})
	}
}

func TestFirstForwardedFor(t *testing.T) {
	r := httptest.NewRequest(http.MethodGet, "http://example/", nil)
	assert.Empty(t, FirstForwardedFor(r))

	r.Header.Set("X-Forwarded-For", " 9.9.9.9 ,1.1.1.1")
	assert.Equal(t, "9.9.9.9", FirstForwardedFor(r))
}
