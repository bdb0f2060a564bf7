package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"sync/atomic"
	"time"

	"stream-gateway/stream/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// AuditWriter grava eventos de auditoria fora do caminho do request: Submit
// nunca bloqueia e descarta quando a fila enche ou o limite de taxa estoura.
// Falhas do recorder viram log.
type AuditWriter struct {
	rec     domain.AuditRecorder
	queue   chan domain.AuditEvent
	limiter *rate.Limiter
	timeout time.Duration
	logger  *zap.Logger
	errLog  rate.Sometimes

	dropped atomic.Uint64
	failed  atomic.Uint64

	wg        sync.WaitGroup
	closeOnce sync.Once
}

type AuditOption func(*AuditWriter)

// WithAuditRate limita quantos eventos por segundo chegam ao recorder.
func WithAuditRate(perSecond float64, burst int) AuditOption {
	return func(w *AuditWriter) { w.limiter = rate.NewLimiter(rate.Limit(perSecond), burst) }
}

func WithAuditQueue(n int) AuditOption {
	return func(w *AuditWriter) {
		if n > 0 {
			w.queue = make(chan domain.AuditEvent, n)
		}
	}
}

func WithAuditLogger(l *zap.Logger) AuditOption {
	return func(w *AuditWriter) { w.logger = l }
}

func NewAuditWriter(rec domain.AuditRecorder, opts ...AuditOption) *AuditWriter {
	w := &AuditWriter{
		rec:     rec,
		queue:   make(chan domain.AuditEvent, 1024),
		limiter: rate.NewLimiter(rate.Limit(200), 400),
		timeout: 2 * time.Second,
		logger:  zap.NewNop(),
		errLog:  rate.Sometimes{First: 1, Interval: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(w)
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Submit enfileira o evento. Nil-safe.
func (w *AuditWriter) Submit(ev domain.AuditEvent) {
	if w == nil || w.rec == nil {
		return
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if !w.limiter.Allow() {
		w.dropped.Add(1)
		return
	}
	defer func() {
		// Submit depois de Close
		if recover() != nil {
			w.dropped.Add(1)
		}
	}()
	select {
	case w.queue <- ev:
	default:
		w.dropped.Add(1)
	}
}

func (w *AuditWriter) loop() {
	defer w.wg.Done()
	for ev := range w.queue {
		ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
		err := w.rec.Record(ctx, ev)
		cancel()
		if err != nil {
			w.failed.Add(1)
			w.errLog.Do(func() {
				w.logger.Warn("audit record failed",
					zap.String("event_type", string(ev.Type)),
					zap.Error(err))
			})
		}
	}
}

// Close drena a fila e espera o último Record.
func (w *AuditWriter) Close() {
	if w == nil {
		return
	}
	w.closeOnce.Do(func() { close(w.queue) })
	w.wg.Wait()
}

func (w *AuditWriter) Dropped() uint64 { return w.dropped.Load() }

func (w *AuditWriter) Failed() uint64 { return w.failed.Load() }

// HashClientIP evita gravar o IP em claro na auditoria.
func HashClientIP(ip string) string {
	if ip == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(ip))
	return hex.EncodeToString(sum[:8])
}
