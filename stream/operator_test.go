package stream

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	admissiondomain "stream-gateway/middleware/admission/domain"
	admissioninfra "stream-gateway/middleware/admission/infra"
	"stream-gateway/stream/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func (f *fixture) apiToken(t *testing.T, scopes ...string) string {
	t.Helper()
	now := time.Now()
	tok, err := f.api.Sign(domain.Claims{
		Subject: "user-1", Tenant: "acme", JTI: uuid.NewString(),
		IssuedAt: now, Expiry: now.Add(time.Hour), Scopes: scopes,
	})
	require.NoError(t, err)
	return tok
}

func issueReq(bearer, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://gateway/auth/stream-token", strings.NewReader(body))
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestIssueToken_IssuesUsableStreamToken(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	rec := f.serve(issueReq(f.apiToken(t), `{"topic":"kp.moon.chain"}`), time.Second)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))

	var resp issueResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, testTopic, resp.Topic)
	assert.Equal(t, 180, resp.TTLSeconds)

	claims, err := f.tokens.Verify(resp.Token, testTopic)
	require.NoError(t, err)
	assert.Equal(t, "acme", claims.Tenant)
	assert.Equal(t, "user-1", claims.Subject)

	stream := f.serve(streamReq(testTopic, resp.Token, ""), 30*time.Millisecond)
	assert.Equal(t, http.StatusOK, stream.Code)

	f.writer.Close()
	issued := f.audit.Events(domain.AuditIssued)
	require.Len(t, issued, 1)
	assert.Equal(t, claims.JTI, issued[0].JTI)
}

func TestIssueToken_Rejections(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	cases := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"no bearer", issueReq("", `{"topic":"t"}`), http.StatusUnauthorized},
		{"stream token as api token", issueReq(f.token(t, "t", time.Minute), `{"topic":"t"}`), http.StatusUnauthorized},
		{"ttl above ceiling", issueReq(f.apiToken(t), `{"topic":"t","ttl_seconds":1200}`), http.StatusBadRequest},
		{"negative ttl", issueReq(f.apiToken(t), `{"topic":"t","ttl_seconds":-1}`), http.StatusBadRequest},
		{"missing topic", issueReq(f.apiToken(t), `{}`), http.StatusBadRequest},
		{"bad json", issueReq(f.apiToken(t), `{`), http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := f.serve(tc.req, time.Second)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
		})
	}
}

func publishReq(topic, bearer, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://gateway/stream/"+topic+"/publish", strings.NewReader(body))
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func TestPublish_OperatorToken(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	rec := f.serve(publishReq(testTopic, "wrong", `{"a":1}`), time.Second)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = f.serve(publishReq(testTopic, operatorTok, `{"a":`), time.Second)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.serve(publishReq(testTopic, operatorTok, `{"a":1}`), time.Second)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp publishResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, publishResponse{Topic: testTopic, Seq: 1}, resp)

	assert.Equal(t, uint64(1), f.mgr.RingStats(testTopic).MaxSeq)
}

func TestPublish_DisabledWithoutToken(t *testing.T) {
	f := newFixture(t, fixtureConfig{mutate: func(o *Options) { o.PublishToken = "" }})

	rec := f.serve(publishReq(testTopic, "", `{}`), time.Second)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	stats := httptest.NewRequest(http.MethodGet, "http://gateway/stream/_stats", nil)
	assert.Equal(t, http.StatusNotFound, f.serve(stats, time.Second).Code)
}

func TestStats_ReportsStreamAndAdmission(t *testing.T) {
	f := newFixture(t, fixtureConfig{})
	f.mgr.Publish(testTopic, nil)
	f.mgr.Publish(testTopic, nil)
	f.serve(streamReq(testTopic, f.token(t, testTopic, time.Minute), ""), 30*time.Millisecond)

	req := httptest.NewRequest(http.MethodGet, "http://gateway/stream/_stats", nil)
	req.Header.Set("Authorization", "Bearer "+operatorTok)
	rec := f.serve(req, time.Second)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Stream struct {
			Topics map[string]struct {
				Subscribers int              `json:"subscribers"`
				Ring        domain.RingStats `json:"ring"`
			} `json:"topics"`
			Published uint64 `json:"published_total"`
		} `json:"stream"`
		Admission struct {
			Tenants int `json:"total_tenants"`
		} `json:"admission"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, uint64(2), body.Stream.Published)
	assert.Equal(t, 2, body.Stream.Topics[testTopic].Ring.Size)
	assert.Equal(t, 0, body.Stream.Topics[testTopic].Subscribers)
	assert.Equal(t, 1, body.Admission.Tenants)
	assert.NotContains(t, rec.Body.String(), "tenant_status")

	req = httptest.NewRequest(http.MethodGet, "http://gateway/stream/_stats?tenant=acme", nil)
	req.Header.Set("Authorization", "Bearer "+operatorTok)
	rec = f.serve(req, time.Second)
	require.Equal(t, http.StatusOK, rec.Code)
	var withTenant struct {
		TenantStatus *admissioninfra.TenantStatus `json:"tenant_status"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&withTenant))
	require.NotNil(t, withTenant.TenantStatus)
	assert.Equal(t, admissiondomain.Tenant("acme"), withTenant.TenantStatus.Tenant)
	assert.Equal(t, 5, withTenant.TenantStatus.ConnectionLimit)
	assert.Equal(t, 100, withTenant.TenantStatus.BurstLimit)
	assert.Equal(t, 0, withTenant.TenantStatus.ActiveConnections)

	req = httptest.NewRequest(http.MethodGet, "http://gateway/stream/_stats?tenant=ghost", nil)
	req.Header.Set("Authorization", "Bearer "+operatorTok)
	rec = f.serve(req, time.Second)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "tenant_status")
}

func jwtPublishReq(topic, bearer, body string) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "http://gateway/stream/publish/"+topic, strings.NewReader(body))
	if bearer != "" {
		r.Header.Set("Authorization", "Bearer "+bearer)
	}
	return r
}

func withPublishTopics(o *Options) { o.PublishTopics = []string{testTopic} }

func TestPublishJWT_ScopeAndTopicAllowList(t *testing.T) {
	f := newFixture(t, fixtureConfig{mutate: withPublishTopics})

	rec := f.serve(jwtPublishReq(testTopic, "", `{}`), time.Second)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("WWW-Authenticate"))

	rec = f.serve(jwtPublishReq(testTopic, f.apiToken(t), `{}`), time.Second)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "insufficient_scope")
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), `error="insufficient_scope"`)

	publisher := f.apiToken(t, "stream:read", domain.ScopePublish)
	rec = f.serve(jwtPublishReq("other.topic", publisher, `{}`), time.Second)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Contains(t, rec.Body.String(), "topic_not_allowed")
	assert.Zero(t, f.mgr.RingStats("other.topic").MaxSeq)

	rec = f.serve(jwtPublishReq(testTopic, publisher, `{"a":1}`), time.Second)
	require.Equal(t, http.StatusAccepted, rec.Code)
	var resp publishResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, publishResponse{Topic: testTopic, Seq: 1}, resp)
}

func TestPublishJWT_DisabledWithoutAllowList(t *testing.T) {
	f := newFixture(t, fixtureConfig{})

	rec := f.serve(jwtPublishReq(testTopic, f.apiToken(t, domain.ScopePublish), `{}`), time.Second)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPublishJWT_ChargesPublishCost(t *testing.T) {
	f := newFixture(t, fixtureConfig{
		limits: admissiondomain.Limits{QPS: 0.01, Burst: 3, Connections: 1},
		mutate: withPublishTopics,
	})
	publisher := f.apiToken(t, domain.ScopePublish)

	rec := f.serve(jwtPublishReq(testTopic, publisher, `{}`), time.Second)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Remaining"))

	// sobra 1 token e a publicação custa 2
	rec = f.serve(jwtPublishReq(testTopic, publisher, `{}`), time.Second)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("Retry-After"))
	assert.Equal(t, uint64(1), f.mgr.RingStats(testTopic).MaxSeq)
}

func TestPublishJWT_RejectsOversizedPayload(t *testing.T) {
	f := newFixture(t, fixtureConfig{mutate: withPublishTopics})

	body := `{"pad":"` + strings.Repeat("x", maxPublishBody) + `"}`
	rec := f.serve(jwtPublishReq(testTopic, f.apiToken(t, domain.ScopePublish), body), time.Second)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Zero(t, f.mgr.RingStats(testTopic).MaxSeq)
}

func TestAdmissionStats_RecordRouteTemplate(t *testing.T) {
	stats := admissioninfra.NewMemoryStatsStore()
	f := newFixture(t, fixtureConfig{mutate: func(o *Options) {
		o.Stats = stats
		withPublishTopics(o)
	}})

	f.serve(streamReq(testTopic, f.token(t, testTopic, time.Minute), ""), 30*time.Millisecond)
	f.serve(jwtPublishReq(testTopic, f.apiToken(t, domain.ScopePublish), `{}`), time.Second)

	routes := stats.ByRoute()
	// requisição e conexão
	assert.Equal(t, int64(2), routes["GET /stream/{topic}"].Allowed)
	assert.Equal(t, int64(1), routes["POST /stream/publish/{topic}"].Allowed)
	assert.NotContains(t, routes, "GET /stream/"+testTopic)
}
