package infra

import (
	"encoding/json"
	"sync"
	"time"

	"stream-gateway/stream/domain"
)

// DefaultRingCapacity é a janela retida por tópico quando nada é configurado.
const DefaultRingCapacity = 256

// RingStore guarda os últimos N envelopes de cada tópico.
// Tópicos são criados no primeiro Append e nunca removidos.
type RingStore struct {
	capacity int
	topics   sync.Map // string -> *ring
}

type ring struct {
	mu      sync.Mutex
	buf     []domain.Envelope
	start   int
	size    int
	lastSeq uint64
}

func NewRingStore(capacity int) *RingStore {
	if capacity <= 0 {
		capacity = DefaultRingCapacity
	}
	return &RingStore{capacity: capacity}
}

func (s *RingStore) Capacity() int { return s.capacity }

func (s *RingStore) ring(topic string) *ring {
	if v, ok := s.topics.Load(topic); ok {
		return v.(*ring)
	}
	v, _ := s.topics.LoadOrStore(topic, &ring{buf: make([]domain.Envelope, s.capacity)})
	return v.(*ring)
}

// Append atribui o próximo seq do tópico (a partir de 1) e descarta o mais
// antigo quando a janela está cheia.
func (s *RingStore) Append(topic string, event domain.Event, payload json.RawMessage, ts time.Time) domain.Envelope {
	r := s.ring(topic)
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastSeq++
	env := domain.Envelope{
		V:       domain.EnvelopeVersion,
		TS:      ts,
		Seq:     r.lastSeq,
		Topic:   topic,
		Event:   event,
		Payload: append(json.RawMessage(nil), payload...),
	}

	if r.size < len(r.buf) {
		r.buf[(r.start+r.size)%len(r.buf)] = env
		r.size++
	} else {
		r.buf[r.start] = env
		r.start = (r.start + 1) % len(r.buf)
	}
	return env
}

// ReadSince devolve, em ordem, os envelopes com seq > lastSeq.
// Devolve ErrResumeGap quando lastSeq é anterior à janela retida ou está à
// frente do último seq já atribuído (posição de outro processo).
func (s *RingStore) ReadSince(topic string, lastSeq uint64) ([]domain.Envelope, error) {
	v, ok := s.topics.Load(topic)
	if !ok {
		if lastSeq == 0 {
			return nil, nil
		}
		return nil, domain.ErrResumeGap
	}
	r := v.(*ring)
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.since(lastSeq)
}

// precisa ser chamado com r.mu travado.
func (r *ring) since(lastSeq uint64) ([]domain.Envelope, error) {
	if lastSeq > r.lastSeq {
		return nil, domain.ErrResumeGap
	}
	if lastSeq == r.lastSeq {
		return nil, nil
	}
	oldest := r.lastSeq - uint64(r.size) + 1
	if lastSeq+1 < oldest {
		return nil, domain.ErrResumeGap
	}

	skip := int(lastSeq + 1 - oldest)
	out := make([]domain.Envelope, 0, r.size-skip)
	for i := skip; i < r.size; i++ {
		out = append(out, r.buf[(r.start+i)%len(r.buf)])
	}
	return out, nil
}

func (s *RingStore) Stats(topic string) domain.RingStats {
	st := domain.RingStats{Capacity: s.capacity}
	v, ok := s.topics.Load(topic)
	if !ok {
		return st
	}
	r := v.(*ring)
	r.mu.Lock()
	defer r.mu.Unlock()
	st.Size = r.size
	if r.size > 0 {
		st.MaxSeq = r.lastSeq
		st.MinSeq = r.lastSeq - uint64(r.size) + 1
	}
	return st
}

// Topics lista os tópicos que já receberam pelo menos um envelope.
func (s *RingStore) Topics() []string {
	var out []string
	s.topics.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	return out
}
