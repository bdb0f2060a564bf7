package application

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"stream-gateway/stream/domain"
	"stream-gateway/stream/infra"
)

type written struct {
	Event domain.Event
	Seq   uint64
	Data  any
}

// recordingSink guarda tudo que a sessão escreveria no fio.
type recordingSink struct {
	mu     sync.Mutex
	out    []written
	notify chan struct{}
	failOn int
}

func newRecordingSink() *recordingSink {
	return &recordingSink{notify: make(chan struct{}, 1024)}
}

var errSinkClosed = errors.New("sink closed")

func (s *recordingSink) push(w written) error {
	s.mu.Lock()
	if s.failOn > 0 && len(s.out)+1 >= s.failOn {
		s.mu.Unlock()
		return errSinkClosed
	}
	s.out = append(s.out, w)
	s.mu.Unlock()
	s.notify <- struct{}{}
	return nil
}

func (s *recordingSink) WriteEnvelope(env domain.Envelope) error {
	return s.push(written{Event: env.Event, Seq: env.Seq, Data: env})
}

func (s *recordingSink) WriteEvent(event domain.Event, data any) error {
	return s.push(written{Event: event, Data: data})
}

func (s *recordingSink) snapshot() []written {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]written(nil), s.out...)
}

func (s *recordingSink) updateSeqs() []uint64 {
	var out []uint64
	for _, w := range s.snapshot() {
		if w.Event == domain.EventUpdate {
			out = append(out, w.Seq)
		}
	}
	return out
}

// waitFor espera até cond valer ou estourar o prazo.
func (s *recordingSink) waitFor(t *testing.T, d time.Duration, cond func([]written) bool) {
	t.Helper()
	deadline := time.After(d)
	for {
		if cond(s.snapshot()) {
			return
		}
		select {
		case <-s.notify:
		case <-deadline:
			t.Fatalf("condition not met in %s; got %+v", d, s.snapshot())
		}
	}
}

func countUpdates(n int) func([]written) bool {
	return func(ws []written) bool {
		c := 0
		for _, w := range ws {
			if w.Event == domain.EventUpdate {
				c++
			}
		}
		return c >= n
	}
}

func hasEvent(ev domain.Event) func([]written) bool {
	return func(ws []written) bool {
		for _, w := range ws {
			if w.Event == ev {
				return true
			}
		}
		return false
	}
}

func newTestManager(capacity int, opts ...ManagerOption) *Manager {
	return NewManager(infra.NewRingStore(capacity), opts...)
}

func publishN(m *Manager, topic string, n int) {
	for i := 0; i < n; i++ {
		m.Publish(topic, json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
	}
}

func seqPtr(v uint64) *uint64 { return &v }
