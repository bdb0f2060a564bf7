package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
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
	"stream-gateway/stream/infra"
	"stream-gateway/telemetry"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// segredo só de desenvolvimento; nunca usar fora do exemplo
const devSecret = "example-server-dev-secret-0123456789"

func main() {
	logger, err := telemetry.NewLogger("debug", "console", "example-server")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	// Exemplo: streaming SSE embutido no seu webserver (sem proxy), tudo em memória
	ctrl, err := admissioninfra.NewController(admissiondomain.Limits{QPS: 5, Burst: 10, Connections: 2},
		admissioninfra.WithLogger(logger))
	if err != nil {
		logger.Fatal("admission", zap.Error(err))
	}

	tokens, err := infra.NewTokenService(infra.TokenConfig{Secret: []byte(devSecret), Audience: infra.StreamAudience, MaxLifetime: infra.DefaultMaxLifetime, ClockSkew: infra.DefaultClockSkew})
	if err != nil {
		logger.Fatal("tokens", zap.Error(err))
	}
	apiTokens, err := infra.NewTokenService(infra.TokenConfig{Secret: []byte(devSecret), Audience: infra.APIAudience, DefaultTTL: time.Hour})
	if err != nil {
		logger.Fatal("api tokens", zap.Error(err))
	}

	audit := application.NewAuditWriter(infra.NewMemoryAuditStore(time.Hour, 1000), application.WithAuditLogger(logger))
	defer audit.Close()

	mgr := application.NewManager(infra.NewRingStore(infra.DefaultRingCapacity), application.WithManagerLogger(logger))
	h := stream.NewHandler(stream.Options{
		Manager: mgr,
		Authenticator: &application.Authenticator{
			Verifier: tokens,
			Replay:   infra.NewMemoryReplayStore(nil),
			Audit:    audit,
			Logger:   logger,
		},
		Admission:      admissionapp.Service{Admitter: ctrl},
		AdmissionStats: ctrl.Stats,
		TenantStatus:   ctrl.Status,
		Tokens:         tokens,
		APITokens:      apiTokens,
		Audit:          audit,
		PublishTopics:  []string{"clock.tick"},
		Logger:         logger,
	})

	r := mux.NewRouter()
	h.Register(r, admission.ConcurrencyMiddleware(admission.ConcurrencyOptions{Max: 50, AcquireTimeout: -1, Name: "streams", Logger: logger}))
	r.PathPrefix("/").Handler(admission.Middleware(admission.Options{
		Admitter:           ctrl,
		KeyHeader:          "X-Tenant-ID", // ou vazio para usar IP
		TrustXForwardedFor: true,
		Logger:             logger,
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})))

	addr := ":8081"
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		addr = v
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       90 * time.Second,
	}

	apiTok, _, err := apiTokens.Issue(infra.IssueRequest{Subject: "example", Tenant: "demo"})
	if err != nil {
		logger.Fatal("api token", zap.Error(err))
	}
	logger.Info("example server listening", zap.String("addr", addr), zap.String("topic", "clock.tick"))
	logger.Info("troque o token de API por um token de stream em POST /auth/stream-token", zap.String("api_token", apiTok))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return tick(gctx, mgr) })

	if err := g.Wait(); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}

// tick publica a hora atual em clock.tick a cada segundo.
func tick(ctx context.Context, mgr *application.Manager) error {
	t := time.NewTicker(time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-t.C:
			payload, err := json.Marshal(map[string]any{"now": now.UTC().Format(time.RFC3339)})
			if err != nil {
				return err
			}
			mgr.Publish("clock.tick", payload)
		}
	}
}
