package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"stream-gateway/middleware/admission"
	admissionapp "stream-gateway/middleware/admission/application"
	admissiondomain "stream-gateway/middleware/admission/domain"
	admissioninfra "stream-gateway/middleware/admission/infra"
	"stream-gateway/stream"
	"stream-gateway/stream/application"
	"stream-gateway/stream/domain"
	"stream-gateway/stream/infra"
	"stream-gateway/telemetry"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := readConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger, err := telemetry.NewLogger(cfg.logLevel, cfg.logFormat, "stream-gateway")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("gateway stopped", zap.Error(err))
	}
}

// gateway agrupa o que o processo monta no boot.
type gateway struct {
	handler http.Handler
	ctrl    *admissioninfra.Controller
	audit   *application.AuditWriter
	closers []func() error
}

func (g *gateway) close() {
	g.audit.Close()
	for i := len(g.closers) - 1; i >= 0; i-- {
		_ = g.closers[i]()
	}
}

func run(ctx context.Context, cfg config, logger *zap.Logger) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gw, err := newGateway(ctx, cfg, logger, reg)
	if err != nil {
		return err
	}
	defer gw.close()

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           gw.handler,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		// streams SSE removem o deadline de escrita por conta própria
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  90 * time.Second,
	}

	logger.Info("gateway listening",
		zap.String("addr", cfg.listenAddr),
		zap.String("upstream", cfg.upstreamURL),
		zap.Bool("rate_enabled", cfg.rateEnabled),
		zap.Float64("qps", cfg.rateQPS),
		zap.Int("burst", cfg.rateBurst),
		zap.Int("connections", cfg.rateConnections),
		zap.String("key_header", cfg.rateKeyHeader),
		zap.Bool("trust_xff", cfg.trustXFF),
		zap.Int("max_streams", cfg.streamMaxStreams),
		zap.Int("ring_capacity", cfg.streamRingCapacity),
		zap.Bool("redis", cfg.redisAddr != ""))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func newGateway(ctx context.Context, cfg config, logger *zap.Logger, reg *prometheus.Registry) (*gateway, error) {
	gw := &gateway{}
	metrics := telemetry.NewMetrics(reg, telemetry.WithTopics(cfg.streamTopics...))

	ctrl, err := admissioninfra.NewController(
		admissiondomain.Limits{QPS: cfg.rateQPS, Burst: cfg.rateBurst, Connections: cfg.rateConnections},
		admissioninfra.WithIdleTTL(cfg.rateIdleTTL),
		admissioninfra.WithConnectionRetryAfter(cfg.connectionRetryAfter),
		admissioninfra.WithLogger(logger.Named("admission")),
	)
	if err != nil {
		return nil, fmt.Errorf("admission defaults: %w", err)
	}
	gw.ctrl = ctrl
	if cfg.tenantLimitsFile != "" {
		tenants, err := loadTenantLimits(cfg.tenantLimitsFile)
		if err != nil {
			return nil, err
		}
		if err := applyTenantLimits(ctrl, tenants); err != nil {
			return nil, err
		}
		logger.Info("tenant overrides loaded", zap.Int("tenants", len(tenants)))
	}

	var rdb *redis.Client
	if cfg.redisAddr != "" {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		gw.closers = append(gw.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := rdb.Ping(pingCtx).Result()
		cancel()
		if err != nil {
			gw.close()
			return nil, fmt.Errorf("redis ping error: %w", err)
		}
	}

	var replay domain.ReplayStore
	var auditRec domain.AuditRecorder
	var stats admissiondomain.StatsStore
	if rdb != nil {
		replay = infra.NewRedisReplayStore(rdb, infra.WithReplayPrefix(cfg.replayPrefix))
		auditRec = infra.NewRedisAuditStore(rdb,
			infra.WithAuditPrefix(cfg.auditPrefix),
			infra.WithAuditRetention(cfg.auditRetention))
		if cfg.rateStatsEnabled {
			stats = admissioninfra.NewRedisStatsStore(rdb,
				admissioninfra.WithStatsPrefix(cfg.rateStatsPrefix),
				admissioninfra.WithStatsTTL(cfg.rateStatsTTL),
				admissioninfra.WithStatsBucket(cfg.rateStatsBucket),
				admissioninfra.WithStatsTrackTenants(cfg.rateStatsTrackTenants))
		}
	} else {
		logger.Warn("REDIS_ADDR not set: jti replay protection and audit are process-local")
		replay = infra.NewMemoryReplayStore(nil)
		auditRec = infra.NewMemoryAuditStore(cfg.auditRetention, 10000)
		if cfg.rateStatsEnabled {
			stats = admissioninfra.NewMemoryStatsStore(admissioninfra.WithTrackTenants(cfg.rateStatsTrackTenants))
		}
	}
	if cfg.auditEnabled {
		gw.audit = application.NewAuditWriter(auditRec, application.WithAuditLogger(logger.Named("audit")))
	}

	tokens, err := infra.NewTokenService(infra.TokenConfig{
		Secret:      []byte(cfg.jwtSecret),
		Issuer:      cfg.authIssuer,
		Audience:    infra.StreamAudience,
		MaxLifetime: cfg.maxTokenLifetime,
		ClockSkew:   cfg.clockSkew,
	})
	if err != nil {
		gw.close()
		return nil, fmt.Errorf("stream tokens: %w", err)
	}
	apiTokens, err := infra.NewTokenService(infra.TokenConfig{
		Secret:    []byte(cfg.jwtSecret),
		Issuer:    cfg.authIssuer,
		Audience:  infra.APIAudience,
		ClockSkew: cfg.clockSkew,
	})
	if err != nil {
		gw.close()
		return nil, fmt.Errorf("api tokens: %w", err)
	}

	mgr := application.NewManager(infra.NewRingStore(cfg.streamRingCapacity),
		application.WithSubscriberBuffer(cfg.streamSubscriberBuffer),
		application.WithManagerLogger(logger.Named("manager")),
		application.WithManagerObserver(metrics))

	var streamAdmission admissionapp.Service
	if cfg.rateEnabled {
		streamAdmission = admissionapp.Service{Admitter: ctrl, Observer: metrics, RetryAfter: cfg.retryAfter}
	}

	sh := stream.NewHandler(stream.Options{
		Manager: mgr,
		Authenticator: &application.Authenticator{
			Verifier: tokens,
			Replay:   replay,
			Audit:    gw.audit,
			Logger:   logger.Named("auth"),
		},
		Admission:      streamAdmission,
		AdmissionStats: ctrl.Stats,
		TenantStatus:   ctrl.Status,
		Stats:          stats,
		Tokens:         tokens,
		APITokens:      apiTokens,
		Audit:          gw.audit,
		PublishToken:   cfg.streamPublishToken,
		PublishTopics:  cfg.streamTopics,
		Heartbeat:      cfg.streamHeartbeat,
		RetryMS:        cfg.streamRetryMS,
		Deprecation:    stream.Deprecation{Sunset: cfg.legacySunset, GuideURL: cfg.migrationGuide},
		ClientIP:       admission.DefaultKeyFunc("", cfg.trustXFF),
		Observer:       metrics,
		Logger:         logger.Named("stream"),
	})

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	r.HandleFunc("/healthz", healthz(rdb)).Methods(http.MethodGet)
	sh.Register(r, admission.ConcurrencyMiddleware(admission.ConcurrencyOptions{
		Max:            cfg.streamMaxStreams,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: -1,
		RetryAfter:     cfg.retryAfter,
		Name:           "streams",
		Logger:         logger,
	}))

	if cfg.upstreamURL != "" {
		rest, err := upstreamHandler(cfg, ctrl, metrics, stats, logger)
		if err != nil {
			gw.close()
			return nil, err
		}
		r.PathPrefix("/").Handler(rest)
	}

	gw.handler = r
	return gw, nil
}

// upstreamHandler é o proxy reverso para o restante das rotas, com a mesma
// admissão por tenant dos streams.
func upstreamHandler(cfg config, ctrl *admissioninfra.Controller, obs admissiondomain.DecisionObserver, stats admissiondomain.StatsStore, logger *zap.Logger) (http.Handler, error) {
	target, err := url.Parse(cfg.upstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid UPSTREAM_URL: %w", err)
	}
	proxyLog := logger.Named("proxy")
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		proxyLog.Warn("proxy error", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}

	h := http.Handler(proxy)
	h = admission.ConcurrencyMiddleware(admission.ConcurrencyOptions{
		Max:            cfg.concurrencyMax,
		RejectStatus:   http.StatusServiceUnavailable,
		AcquireTimeout: cfg.concurrencyTimeout,
		RetryAfter:     cfg.retryAfter,
		Name:           "upstream",
		Logger:         logger,
	})(h)
	if cfg.rateEnabled {
		h = admission.Middleware(admission.Options{
			Admitter:           ctrl,
			Observer:           obs,
			Stats:              stats,
			KeyHeader:          cfg.rateKeyHeader,
			TrustXForwardedFor: cfg.trustXFF,
			RejectStatus:       http.StatusTooManyRequests,
			RetryAfter:         cfg.retryAfter,
			Logger:             logger.Named("admission"),
		})(h)
	}
	return h, nil
}

func healthz(rdb *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if rdb != nil {
			ctx, cancel := context.WithTimeout(r.Context(), time.Second)
			defer cancel()
			if err := rdb.Ping(ctx).Err(); err != nil {
				http.Error(w, "redis unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	}
}
