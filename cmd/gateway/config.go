package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"stream-gateway/stream/infra"
)

type config struct {
	listenAddr  string
	upstreamURL string
	logLevel    string
	logFormat   string

	rateEnabled          bool
	rateQPS              float64
	rateBurst            int
	rateConnections      int
	rateIdleTTL          time.Duration
	rateKeyHeader        string
	trustXFF             bool
	retryAfter           time.Duration
	connectionRetryAfter time.Duration
	concurrencyMax       int
	concurrencyTimeout   time.Duration
	tenantLimitsFile     string

	streamRingCapacity     int
	streamHeartbeat        time.Duration
	streamRetryMS          int
	streamSubscriberBuffer int
	streamMaxStreams       int
	streamPublishToken     string
	streamTopics           []string

	jwtSecret        string
	authIssuer       string
	maxTokenLifetime time.Duration
	clockSkew        time.Duration
	legacySunset     time.Time
	migrationGuide   string

	redisAddr     string
	redisPassword string
	redisDB       int
	replayPrefix  string

	auditEnabled   bool
	auditRetention time.Duration
	auditPrefix    string

	rateStatsEnabled      bool
	rateStatsPrefix       string
	rateStatsTTL          time.Duration
	rateStatsBucket       string
	rateStatsTrackTenants bool
}

func readConfig() (config, error) {
	cfg := config{}
	cfg.listenAddr = getenvDefault("LISTEN_ADDR", ":8080")
	cfg.upstreamURL = strings.TrimSpace(os.Getenv("UPSTREAM_URL"))
	cfg.logLevel = getenvDefault("LOG_LEVEL", "info")
	cfg.logFormat = getenvDefault("LOG_FORMAT", "json")

	cfg.rateEnabled = getenvBoolDefault("RATE_ENABLED", true)
	cfg.rateQPS = getenvFloatDefault("RATE_QPS", 10)
	// IMPORTANTE: o "burst" permite uma rajada inicial de requisições.
	// Com QPS muito baixo (ex: 0.02), o padrão 20 pode dar a impressão de que
	// o limite não está funcionando, porque as primeiras ~20 passam.
	if burst, ok := getenvInt("RATE_BURST"); ok {
		cfg.rateBurst = burst
	} else {
		cfg.rateBurst = 20
		if getenvIsSet("RATE_QPS") && cfg.rateQPS > 0 && cfg.rateQPS < 1 {
			cfg.rateBurst = 1
		}
	}
	cfg.rateConnections = getenvIntDefault("RATE_CONNECTIONS", 5)
	cfg.rateIdleTTL = getenvDurationDefault("RATE_IDLE_TTL", 10*time.Minute)
	cfg.rateKeyHeader = getenvDefault("RATE_KEY_HEADER", "X-Tenant-ID")
	cfg.trustXFF = getenvBoolDefault("TRUST_XFF", false)
	cfg.retryAfter = getenvDurationDefault("RETRY_AFTER", 1*time.Second)
	cfg.connectionRetryAfter = getenvDurationDefault("CONNECTION_RETRY_AFTER", 60*time.Second)
	cfg.concurrencyMax = getenvIntDefault("CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = getenvDurationDefault("CONCURRENCY_TIMEOUT", 0)
	cfg.tenantLimitsFile = os.Getenv("TENANT_LIMITS_FILE")

	cfg.streamRingCapacity = getenvIntDefault("STREAM_RING_CAPACITY", infra.DefaultRingCapacity)
	cfg.streamHeartbeat = getenvDurationDefault("STREAM_HEARTBEAT", 15*time.Second)
	cfg.streamRetryMS = getenvIntDefault("STREAM_RETRY_MS", 15000)
	cfg.streamSubscriberBuffer = getenvIntDefault("STREAM_SUBSCRIBER_BUFFER", 64)
	cfg.streamMaxStreams = getenvIntDefault("STREAM_MAX_STREAMS", 1000)
	cfg.streamPublishToken = os.Getenv("STREAM_PUBLISH_TOKEN")
	cfg.streamTopics = getenvListDefault("STREAM_TOPICS", nil)

	cfg.jwtSecret = os.Getenv("AUTH_JWT_SECRET")
	cfg.authIssuer = os.Getenv("AUTH_ISSUER")
	cfg.maxTokenLifetime = getenvDurationDefault("AUTH_MAX_TOKEN_LIFETIME", infra.DefaultMaxLifetime)
	cfg.clockSkew = getenvDurationDefault("AUTH_CLOCK_SKEW", infra.DefaultClockSkew)
	cfg.migrationGuide = getenvDefault("MIGRATION_GUIDE_URL", "")
	if v := strings.TrimSpace(os.Getenv("LEGACY_SUNSET_DATE")); v != "" {
		t, err := time.Parse(time.DateOnly, v)
		if err != nil {
			return config{}, fmt.Errorf("LEGACY_SUNSET_DATE must be YYYY-MM-DD: %w", err)
		}
		cfg.legacySunset = t
	}

	cfg.redisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = getenvIntDefault("REDIS_DB", 0)
	cfg.replayPrefix = getenvDefault("REPLAY_PREFIX", "stream:jti")

	cfg.auditEnabled = getenvBoolDefault("AUDIT_ENABLED", true)
	cfg.auditRetention = getenvDurationDefault("AUDIT_RETENTION", 30*24*time.Hour)
	cfg.auditPrefix = getenvDefault("AUDIT_PREFIX", "stream:audit")

	cfg.rateStatsEnabled = getenvBoolDefault("RATE_STATS_ENABLED", false)
	cfg.rateStatsPrefix = getenvDefault("RATE_STATS_PREFIX", "admission:stats")
	cfg.rateStatsTTL = getenvDurationDefault("RATE_STATS_TTL", 24*time.Hour)
	cfg.rateStatsBucket = getenvDefault("RATE_STATS_BUCKET", "minute")
	cfg.rateStatsTrackTenants = getenvBoolDefault("RATE_STATS_TRACK_TENANTS", false)

	if len(cfg.jwtSecret) < 32 {
		return config{}, errors.New("AUTH_JWT_SECRET is required and must have at least 32 bytes")
	}
	if cfg.rateQPS <= 0 {
		return config{}, errors.New("RATE_QPS must be > 0")
	}
	if cfg.rateBurst <= 0 {
		return config{}, errors.New("RATE_BURST must be > 0")
	}
	if cfg.rateConnections <= 0 {
		return config{}, errors.New("RATE_CONNECTIONS must be > 0")
	}
	if cfg.concurrencyMax < 0 || cfg.streamMaxStreams < 0 {
		return config{}, errors.New("CONCURRENCY_MAX and STREAM_MAX_STREAMS must be >= 0")
	}
	if cfg.streamRingCapacity <= 0 {
		return config{}, errors.New("STREAM_RING_CAPACITY must be > 0")
	}
	if cfg.streamHeartbeat <= 0 {
		return config{}, errors.New("STREAM_HEARTBEAT must be > 0")
	}
	if cfg.maxTokenLifetime <= 0 {
		return config{}, errors.New("AUTH_MAX_TOKEN_LIFETIME must be > 0")
	}
	return cfg, nil
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// getenvListDefault lê uma lista separada por vírgula, ignorando itens vazios.
func getenvListDefault(k string, def []string) []string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvIntDefault(k string, def int) int {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

func getenvInt(k string) (int, bool) {
	v, ok := os.LookupEnv(k)
	if !ok || v == "" {
		return 0, false
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return i, true
}

func getenvIsSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && v != ""
}

func getenvFloatDefault(k string, def float64) float64 {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}

func getenvBoolDefault(k string, def bool) bool {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
