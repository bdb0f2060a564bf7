package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"stream-gateway/stream/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultHeartbeat é o intervalo sem tráfego depois do qual sai um keepalive.
const DefaultHeartbeat = 15 * time.Second

var ErrInvalidTransition = errors.New("invalid session state transition")

// Sink escreve eventos no fio. Implementado pelo adaptador SSE.
type Sink interface {
	WriteEnvelope(env domain.Envelope) error
	WriteEvent(event domain.Event, data any) error
}

// ErrorData é o corpo de um evento error.
type ErrorData struct {
	Status int    `json:"status"`
	Reason string `json:"reason"`
}

// ResetData é o corpo de um evento reset.
type ResetData struct {
	Reason      string `json:"reason"`
	LastEventID uint64 `json:"last_event_id"`
	OldestSeq   uint64 `json:"oldest_seq"`
	LatestSeq   uint64 `json:"latest_seq"`
}

type KeepaliveData struct {
	TS time.Time `json:"ts"`
}

type SessionConfig struct {
	Heartbeat time.Duration
	Now       func() time.Time
	Logger    *zap.Logger
	Observer  Observer
}

// Session é uma conexão de stream. Percorre
// Authenticating -> Resuming|FreshStart -> Streaming -> Closed.
type Session struct {
	ID          string
	Topic       string
	Tenant      string
	AuthMode    domain.AuthMode
	Claims      domain.Claims
	ResumePoint *uint64

	mu            sync.Mutex
	state         domain.State
	lastHeartbeat time.Time
	onClose       []func()
	closeErr      error

	cfg SessionConfig
}

func NewSession(topic string, resume *uint64, cfg SessionConfig) *Session {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Observer == nil {
		cfg.Observer = NopObserver{}
	}
	return &Session{
		ID:          uuid.NewString(),
		Topic:       topic,
		ResumePoint: resume,
		state:       domain.StateAuthenticating,
		cfg:         cfg,
	}
}

func (s *Session) State() domain.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) LastHeartbeat() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Session) transition(to domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !domain.CanTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Authenticated grava o resultado do handshake. Só vale em Authenticating.
func (s *Session) Authenticated(mode domain.AuthMode, claims domain.Claims) error {
	if st := s.State(); st != domain.StateAuthenticating {
		return fmt.Errorf("%w: authenticated in %s", ErrInvalidTransition, st)
	}
	s.AuthMode = mode
	s.Claims = claims
	s.Tenant = claims.Tenant
	return nil
}

// OnClose registra limpezas que rodam uma vez ao entrar em Closed.
func (s *Session) OnClose(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onClose = append(s.onClose, fn)
}

// Close leva a sessão a Closed e roda as limpezas (idempotente).
func (s *Session) Close(reason error) {
	s.mu.Lock()
	if s.state == domain.StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = domain.StateClosed
	s.closeErr = reason
	fns := s.onClose
	s.onClose = nil
	s.mu.Unlock()

	for i := len(fns) - 1; i >= 0; i-- {
		fns[i]()
	}
}

// CloseReason é o erro que encerrou a sessão (nil para desconexão do cliente).
func (s *Session) CloseReason() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeErr
}

func (s *Session) expired(now time.Time) bool {
	return s.AuthMode == domain.AuthQuery && s.Claims.ExpiredAt(now)
}

// nextTick é o heartbeat, encurtado até o exp em sessões por query.
func (s *Session) nextTick(now time.Time) time.Duration {
	d := s.cfg.Heartbeat
	if s.AuthMode == domain.AuthQuery && !s.Claims.Expiry.IsZero() {
		if until := s.Claims.Expiry.Sub(now); until < d {
			d = max(until, time.Millisecond)
		}
	}
	return d
}

// Run conduz a sessão de Resuming/FreshStart até Closed. Devolve o motivo do
// encerramento: nil quando o cliente desconecta, ErrResumeGap, ErrTokenExpired,
// ErrSlowConsumer ou o erro de escrita.
func (s *Session) Run(ctx context.Context, mgr *Manager, sink Sink) (err error) {
	defer func() { s.Close(err) }()

	log := s.cfg.Logger.With(
		zap.String("session", s.ID),
		zap.String("tenant", s.Tenant),
		zap.String("topic", s.Topic),
		zap.String("auth_mode", string(s.AuthMode)))

	next := domain.StateFreshStart
	if s.ResumePoint != nil {
		next = domain.StateResuming
	}
	if err := s.transition(next); err != nil {
		return err
	}

	sub, err := mgr.Subscribe(s.Topic, s.ResumePoint)
	if errors.Is(err, domain.ErrResumeGap) {
		st := mgr.RingStats(s.Topic)
		log.Info("resume point outside window", zap.Uint64("seq", *s.ResumePoint))
		if werr := sink.WriteEvent(domain.EventReset, ResetData{
			Reason:      domain.Reason(err),
			LastEventID: *s.ResumePoint,
			OldestSeq:   st.MinSeq,
			LatestSeq:   st.MaxSeq,
		}); werr != nil {
			return werr
		}
		return err
	}
	if err != nil {
		return err
	}
	s.OnClose(func() { mgr.Unsubscribe(sub) })

	for _, env := range sub.Backlog {
		if err := sink.WriteEnvelope(env); err != nil {
			return err
		}
	}
	if n := len(sub.Backlog); n > 0 {
		s.cfg.Observer.BacklogReplayed(s.Topic, n)
	}

	if err := s.transition(domain.StateStreaming); err != nil {
		return err
	}
	return s.stream(ctx, sub, sink, log)
}

func (s *Session) stream(ctx context.Context, sub *Subscription, sink Sink, log *zap.Logger) error {
	timer := time.NewTimer(s.nextTick(s.cfg.Now()))
	defer timer.Stop()

	rearm := func() {
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(s.nextTick(s.cfg.Now()))
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-sub.Done():
			err := sub.Err()
			if err == nil {
				return nil
			}
			log.Info("subscription closed", zap.String("reason", domain.Reason(err)))
			_ = sink.WriteEvent(domain.EventError, ErrorData{Status: 503, Reason: domain.Reason(err)})
			return err

		case env := <-sub.C():
			if err := s.checkExpiry(sink, log); err != nil {
				return err
			}
			if err := sink.WriteEnvelope(env); err != nil {
				return err
			}
			rearm()

		case <-timer.C:
			if err := s.checkExpiry(sink, log); err != nil {
				return err
			}
			now := s.cfg.Now()
			if err := sink.WriteEvent(domain.EventKeepalive, KeepaliveData{TS: now}); err != nil {
				return err
			}
			s.mu.Lock()
			s.lastHeartbeat = now
			s.mu.Unlock()
			timer.Reset(s.nextTick(now))
		}
	}
}

func (s *Session) checkExpiry(sink Sink, log *zap.Logger) error {
	if !s.expired(s.cfg.Now()) {
		return nil
	}
	log.Info("query token expired mid-stream", zap.String("reason", "token_expired"))
	_ = sink.WriteEvent(domain.EventError, ErrorData{Status: 401, Reason: domain.Reason(domain.ErrTokenExpired)})
	return domain.ErrTokenExpired
}
