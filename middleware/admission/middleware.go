package admission

import (
	"context"
	"net"
	"net/http"
	"strings"
	"time"

	"stream-gateway/middleware/admission/application"
	"stream-gateway/middleware/admission/domain"

	"go.uber.org/zap"
)

type KeyFunc func(r *http.Request) string

type Options struct {
	Admitter           domain.Admitter
	Observer           domain.DecisionObserver
	Stats              domain.StatsStore
	KeyFn              KeyFunc
	KeyHeader          string
	TrustXForwardedFor bool
	RejectStatus       int
	RetryAfter         time.Duration
	// Cost é o custo de cada request em tokens (padrão 1).
	Cost   float64
	Logger *zap.Logger
}

type tenantCtxKey struct{}

// TenantFromContext devolve o tenant resolvido pelo Middleware.
func TenantFromContext(ctx context.Context) (domain.Tenant, bool) {
	t, ok := ctx.Value(tenantCtxKey{}).(domain.Tenant)
	return t, ok
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// pega o primeiro IP do X-Forwarded-For (cliente original)
			if ip := FirstForwardedFor(r); ip != "" {
				return ip
			}
		}

		// fallback: RemoteAddr
		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// FirstForwardedFor devolve o primeiro IP de X-Forwarded-For ("" se ausente).
func FirstForwardedFor(r *http.Request) string {
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return ""
	}
	first, _, _ := strings.Cut(xff, ",")
	return strings.TrimSpace(first)
}

// Middleware consome uma unidade do orçamento de QPS do tenant por request.
func Middleware(opts Options) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = 1 * time.Second
	}
	if opts.Cost <= 0 {
		opts.Cost = 1
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	svc := application.Service{
		Admitter:   opts.Admitter,
		Observer:   opts.Observer,
		RetryAfter: opts.RetryAfter,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tenant := domain.Tenant(opts.KeyFn(r))

			dec := svc.Decide(tenant, opts.Cost)
			RecordStats(r.Context(), opts.Stats, opts.Logger, domain.StatsEvent{
				Tenant:  tenant,
				Kind:    domain.KindRequest,
				Allowed: dec.Allowed,
				Method:  r.Method,
				Path:    r.URL.Path,
				At:      time.Now(),
			})
			if !dec.Allowed {
				opts.Logger.Info("request rejected by admission",
					zap.String("tenant", string(tenant)),
					zap.Duration("retry_after", dec.RetryAfter))
				WriteRejection(w, dec, opts.RejectStatus)
				return
			}

			WriteRateLimitHeaders(w.Header(), dec)
			ctx := context.WithValue(r.Context(), tenantCtxKey{}, tenant)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// RecordStats grava o evento como best-effort: erro só vira log.
func RecordStats(ctx context.Context, stats domain.StatsStore, logger *zap.Logger, ev domain.StatsEvent) {
	if stats == nil {
		return
	}
	if err := stats.Record(ctx, ev); err != nil && logger != nil {
		logger.Debug("admission stats record failed", zap.Error(err))
	}
}
