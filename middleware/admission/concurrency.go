package admission

import (
	"encoding/json"
	"net/http"
	"time"

	"stream-gateway/middleware/admission/application"
	"stream-gateway/middleware/admission/infra"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ConcurrencyOptions configura o teto global de requests simultâneos do processo.
type ConcurrencyOptions struct {
	// Max <= 0 desliga o teto.
	Max          int
	RejectStatus int
	// AcquireTimeout < 0 rejeita na hora; 0 espera até o cliente desistir.
	AcquireTimeout time.Duration
	// RetryAfter anunciado na rejeição (0 omite o header).
	RetryAfter time.Duration
	// Name identifica o teto nos logs ("streams", "upstream").
	Name   string
	Logger *zap.Logger
}

// ConcurrencyMiddleware limita quantos requests (streams) o processo atende ao mesmo tempo.
// A vaga fica presa até o handler retornar, então um stream SSE ocupa a sua
// durante toda a conexão.
func ConcurrencyMiddleware(opts ConcurrencyOptions) func(next http.Handler) http.Handler {
	if opts.Max <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusServiceUnavailable
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("pool", opts.Name), zap.Int("max", opts.Max))
	// em pico de rejeições um log por segundo basta
	sample := rate.Sometimes{Interval: time.Second}

	svc := application.ConcurrencyService{
		Pool:           infra.NewChanPool(opts.Max),
		AcquireTimeout: opts.AcquireTimeout,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			release, ok := svc.Acquire(r.Context())
			if !ok {
				sample.Do(func() {
					logger.Warn("concurrency limit reached", zap.Int("in_use", svc.InUse()), zap.String("path", r.URL.Path))
				})
				writeCapacityExhausted(w, opts.RejectStatus, opts.RetryAfter)
				return
			}
			defer release()

			next.ServeHTTP(w, r)
		})
	}
}

func writeCapacityExhausted(w http.ResponseWriter, status int, retryAfter time.Duration) {
	secs := 0
	if retryAfter > 0 {
		secs = retryAfterSeconds(retryAfter)
		w.Header().Set("Retry-After", formatInt(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(rejectionBody{
		Status:            status,
		Reason:            "capacity_exhausted",
		RetryAfterSeconds: secs,
	})
}
