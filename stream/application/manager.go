package application

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"stream-gateway/stream/domain"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// DefaultSubscriberBuffer é quantos envelopes um assinante pode acumular
// antes de ser desconectado como lento.
const DefaultSubscriberBuffer = 64

// Manager é dono do histórico e dos assinantes de cada tópico.
//
// Append e fan-out acontecem sob o lock do tópico, então a ordem de entrega
// é a ordem de seq. O envio para cada assinante nunca bloqueia.
type Manager struct {
	history    domain.History
	topics     sync.Map // string -> *topicState
	bufferSize int
	now        func() time.Time
	logger     *zap.Logger
	observer   Observer
	dropLog    rate.Sometimes

	published atomic.Uint64
	dropped   atomic.Uint64
}

type topicState struct {
	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

type ManagerOption func(*Manager)

func WithSubscriberBuffer(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.bufferSize = n
		}
	}
}

func WithManagerLogger(l *zap.Logger) ManagerOption {
	return func(m *Manager) { m.logger = l }
}

func WithManagerObserver(o Observer) ManagerOption {
	return func(m *Manager) {
		if o != nil {
			m.observer = o
		}
	}
}

func WithManagerClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(history domain.History, opts ...ManagerOption) *Manager {
	m := &Manager{
		history:    history,
		bufferSize: DefaultSubscriberBuffer,
		now:        time.Now,
		logger:     zap.NewNop(),
		observer:   NopObserver{},
		dropLog:    rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) topic(name string) *topicState {
	if v, ok := m.topics.Load(name); ok {
		return v.(*topicState)
	}
	v, _ := m.topics.LoadOrStore(name, &topicState{subs: make(map[*Subscription]struct{})})
	return v.(*topicState)
}

// Publish sequencia o payload como um envelope update, grava no histórico e
// entrega a todos os assinantes atuais do tópico.
func (m *Manager) Publish(topic string, payload json.RawMessage) domain.Envelope {
	ts := m.topic(topic)
	ts.mu.Lock()
	env := m.history.Append(topic, domain.EventUpdate, payload, m.now())
	var slow []*Subscription
	for sub := range ts.subs {
		select {
		case sub.ch <- env:
		default:
			delete(ts.subs, sub)
			slow = append(slow, sub)
		}
	}
	ts.mu.Unlock()

	m.published.Add(1)
	m.observer.Published(topic)
	for _, sub := range slow {
		sub.close(domain.ErrSlowConsumer)
		m.dropped.Add(1)
		m.observer.SubscriberDropped(topic)
		m.dropLog.Do(func() {
			m.logger.Warn("slow subscriber dropped",
				zap.String("topic", topic),
				zap.String("subscription", sub.ID),
				zap.Uint64("seq", env.Seq))
		})
	}
	return env
}

// Subscription é a assinatura viva de uma sessão num tópico.
type Subscription struct {
	ID    string
	Topic string
	// Backlog são os envelopes retidos após o ponto de retomada, lidos
	// atomicamente com o registro: Backlog seguido de C não tem buraco
	// nem duplicata.
	Backlog []domain.Envelope

	ch        chan domain.Envelope
	done      chan struct{}
	closeOnce sync.Once
	err       error
}

// C entrega os envelopes publicados depois do registro.
func (s *Subscription) C() <-chan domain.Envelope { return s.ch }

// Done fecha quando a assinatura é encerrada pelo Manager ou por Unsubscribe.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Err é o motivo do encerramento (nil para Unsubscribe). Válido após Done.
func (s *Subscription) Err() error {
	<-s.done
	return s.err
}

func (s *Subscription) close(err error) {
	s.closeOnce.Do(func() {
		s.err = err
		close(s.done)
	})
}

// Subscribe registra uma assinatura. Com resume != nil o backlog desde
// *resume é lido sob o mesmo lock do registro; ErrResumeGap quando o ponto
// caiu fora da janela (nada é registrado nesse caso).
func (m *Manager) Subscribe(topic string, resume *uint64) (*Subscription, error) {
	sub := &Subscription{
		ID:    uuid.NewString(),
		Topic: topic,
		ch:    make(chan domain.Envelope, m.bufferSize),
		done:  make(chan struct{}),
	}

	ts := m.topic(topic)
	ts.mu.Lock()
	defer ts.mu.Unlock()

	if resume != nil {
		backlog, err := m.history.ReadSince(topic, *resume)
		if err != nil {
			return nil, err
		}
		sub.Backlog = backlog
	}
	ts.subs[sub] = struct{}{}
	return sub, nil
}

// Unsubscribe remove a assinatura; o histórico do tópico é mantido.
func (m *Manager) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	if v, ok := m.topics.Load(sub.Topic); ok {
		ts := v.(*topicState)
		ts.mu.Lock()
		delete(ts.subs, sub)
		ts.mu.Unlock()
	}
	sub.close(nil)
}

// Subscribers conta as assinaturas vivas de um tópico.
func (m *Manager) Subscribers(topic string) int {
	v, ok := m.topics.Load(topic)
	if !ok {
		return 0
	}
	ts := v.(*topicState)
	ts.mu.Lock()
	defer ts.mu.Unlock()
	return len(ts.subs)
}

// RingStats expõe a janela retida de um tópico.
func (m *Manager) RingStats(topic string) domain.RingStats {
	return m.history.Stats(topic)
}

type TopicStats struct {
	Subscribers int              `json:"subscribers"`
	Ring        domain.RingStats `json:"ring"`
}

type ManagerStats struct {
	Topics    map[string]TopicStats `json:"topics"`
	Published uint64                `json:"published_total"`
	Dropped   uint64                `json:"dropped_subscribers_total"`
}

func (m *Manager) Stats() ManagerStats {
	out := ManagerStats{
		Topics:    make(map[string]TopicStats),
		Published: m.published.Load(),
		Dropped:   m.dropped.Load(),
	}
	m.topics.Range(func(k, _ any) bool {
		name := k.(string)
		out.Topics[name] = TopicStats{
			Subscribers: m.Subscribers(name),
			Ring:        m.history.Stats(name),
		}
		return true
	})
	return out
}
