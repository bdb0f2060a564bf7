package infra

import (
	"context"
	"sync"
	"time"
)

// MemoryReplayStore guarda jtis usados no próprio processo. Serve para dev e
// testes; em produção use RedisReplayStore para valer entre réplicas.
type MemoryReplayStore struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

func NewMemoryReplayStore(now func() time.Time) *MemoryReplayStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryReplayStore{used: make(map[string]time.Time), now: now}
}

func (s *MemoryReplayStore) MarkUsed(_ context.Context, jti string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	// limpeza oportunista dos vencidos
	for k, exp := range s.used {
		if !now.Before(exp) {
			delete(s.used, k)
		}
	}

	if _, ok := s.used[jti]; ok {
		return false, nil
	}
	s.used[jti] = now.Add(ttl)
	return true, nil
}

func (s *MemoryReplayStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.used)
}
