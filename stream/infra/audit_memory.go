package infra

import (
	"context"
	"sync"
	"time"

	"stream-gateway/stream/domain"
)

// MemoryAuditStore mantém os eventos de auditoria do processo, descartando os
// mais velhos que a retenção e limitando o total a maxEvents.
type MemoryAuditStore struct {
	mu        sync.Mutex
	events    []domain.AuditEvent
	retention time.Duration
	maxEvents int
	now       func() time.Time
}

func NewMemoryAuditStore(retention time.Duration, maxEvents int) *MemoryAuditStore {
	if maxEvents <= 0 {
		maxEvents = 10000
	}
	return &MemoryAuditStore{retention: retention, maxEvents: maxEvents, now: time.Now}
}

func (s *MemoryAuditStore) Record(_ context.Context, ev domain.AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, ev)
	if s.retention > 0 {
		cutoff := s.now().Add(-s.retention)
		i := 0
		for i < len(s.events) && s.events[i].At.Before(cutoff) {
			i++
		}
		s.events = s.events[i:]
	}
	if over := len(s.events) - s.maxEvents; over > 0 {
		s.events = s.events[over:]
	}
	return nil
}

// Events devolve uma cópia; typ vazio devolve todos.
func (s *MemoryAuditStore) Events(typ domain.AuditEventType) []domain.AuditEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.AuditEvent
	for _, ev := range s.events {
		if typ == "" || ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}
