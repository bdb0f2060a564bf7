package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"stream-gateway/middleware/admission/domain"
	admissioninfra "stream-gateway/middleware/admission/infra"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestReadConfig_Defaults(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", testSecret)

	cfg, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.listenAddr)
	assert.Equal(t, 10.0, cfg.rateQPS)
	assert.Equal(t, 20, cfg.rateBurst)
	assert.Equal(t, 5, cfg.rateConnections)
	assert.Equal(t, "X-Tenant-ID", cfg.rateKeyHeader)
	assert.Equal(t, 256, cfg.streamRingCapacity)
	assert.Equal(t, 15*time.Second, cfg.streamHeartbeat)
	assert.Equal(t, 15000, cfg.streamRetryMS)
	assert.Equal(t, 600*time.Second, cfg.maxTokenLifetime)
	assert.Equal(t, 5*time.Second, cfg.clockSkew)
	assert.True(t, cfg.legacySunset.IsZero())
	assert.Empty(t, cfg.redisAddr)
	assert.Empty(t, cfg.streamTopics)
}

func TestReadConfig_StreamTopicsList(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("STREAM_TOPICS", " kp.moon, ,kp.sun ")

	cfg, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, []string{"kp.moon", "kp.sun"}, cfg.streamTopics)
}

func TestReadConfig_RequiresStrongSecret(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", "short")
	_, err := readConfig()
	require.Error(t, err)
}

func TestReadConfig_LowQPSDefaultsBurstToOne(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("RATE_QPS", "0.02")

	cfg, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, 1, cfg.rateBurst)

	t.Setenv("RATE_BURST", "7")
	cfg, err = readConfig()
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.rateBurst)
}

func TestReadConfig_SunsetDate(t *testing.T) {
	t.Setenv("AUTH_JWT_SECRET", testSecret)
	t.Setenv("LEGACY_SUNSET_DATE", "2026-01-31")

	cfg, err := readConfig()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC), cfg.legacySunset)

	t.Setenv("LEGACY_SUNSET_DATE", "31/01/2026")
	_, err = readConfig()
	require.Error(t, err)
}

func TestReadConfig_RejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"RATE_CONNECTIONS":     "0",
		"STREAM_RING_CAPACITY": "0",
		"STREAM_MAX_STREAMS":   "-1",
		"STREAM_HEARTBEAT":     "-1s",
	}
	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("AUTH_JWT_SECRET", testSecret)
			t.Setenv(k, v)
			_, err := readConfig()
			require.Error(t, err)
		})
	}
}

func TestGetenvHelpers_FallBackOnGarbage(t *testing.T) {
	t.Setenv("X_INT", "abc")
	t.Setenv("X_BOOL", "talvez")
	t.Setenv("X_DUR", "10")

	assert.Equal(t, 3, getenvIntDefault("X_INT", 3))
	assert.True(t, getenvBoolDefault("X_BOOL", true))
	assert.Equal(t, time.Second, getenvDurationDefault("X_DUR", time.Second))
	_, ok := getenvInt("X_INT")
	assert.False(t, ok)
}

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tenants.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestTenantLimits_LoadAndApply(t *testing.T) {
	path := writeFile(t, `
tenants:
  - id: acme
    qps: 50
    burst: 100
    connections: 20
  - id: tiny
    qps: 0.5
    burst: 1
    connections: 1
`)
	tenants, err := loadTenantLimits(path)
	require.NoError(t, err)
	require.Len(t, tenants, 2)

	ctrl, err := admissioninfra.NewController(domain.Limits{QPS: 10, Burst: 20, Connections: 5})
	require.NoError(t, err)
	require.NoError(t, applyTenantLimits(ctrl, tenants))

	st, ok := ctrl.Status("acme")
	require.True(t, ok)
	assert.Equal(t, 100, st.BurstLimit)
	assert.Equal(t, 20, st.ConnectionLimit)

	st, ok = ctrl.Status("tiny")
	require.True(t, ok)
	assert.Equal(t, 0.5, st.QPSLimit)
}

func TestTenantLimits_RejectsBadFiles(t *testing.T) {
	_, err := loadTenantLimits(writeFile(t, "tenants:\n  - qps: 1\n"))
	require.Error(t, err, "missing id")

	_, err = loadTenantLimits(writeFile(t, "tenants:\n  - id: a\n  - id: a\n"))
	require.Error(t, err, "duplicated id")

	_, err = loadTenantLimits(writeFile(t, "tenants: ["))
	require.Error(t, err, "broken yaml")

	tenants, err := loadTenantLimits(writeFile(t, "tenants:\n  - id: zero\n    qps: 0\n    burst: 1\n    connections: 1\n"))
	require.NoError(t, err)
	ctrl, err := admissioninfra.NewController(domain.Limits{QPS: 10, Burst: 20, Connections: 5})
	require.NoError(t, err)
	require.ErrorIs(t, applyTenantLimits(ctrl, tenants), domain.ErrInvalidLimits)
}
