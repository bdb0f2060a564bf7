package infra

import (
	"context"
	"strings"
	"sync"

	"stream-gateway/middleware/admission/domain"
)

type Counters struct {
	Allowed int64 `json:"allowed"`
	Denied  int64 `json:"denied"`
}

func (c *Counters) add(allowed bool) {
	if allowed {
		c.Allowed++
		return
	}
	c.Denied++
}

// MemoryStatsStore é uma implementação simples em memória.
// Útil para testes, desenvolvimento e para o /stream/_stats de um nó só.
//
// Não faz expiração; WithTrackTenants(true) com muitos tenants cresce sem limite.
type MemoryStatsStore struct {
	mu       sync.Mutex
	total    Counters
	byKind   map[domain.Kind]Counters
	byTenant map[domain.Tenant]Counters
	byRoute  map[string]Counters

	trackTenants bool
}

type MemoryStatsOption func(*MemoryStatsStore)

func WithTrackTenants(track bool) MemoryStatsOption {
	return func(s *MemoryStatsStore) { s.trackTenants = track }
}

func NewMemoryStatsStore(opts ...MemoryStatsOption) *MemoryStatsStore {
	s := &MemoryStatsStore{
		byKind:   make(map[domain.Kind]Counters),
		byTenant: make(map[domain.Tenant]Counters),
		byRoute:  make(map[string]Counters),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.StatsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.total.add(ev.Allowed)

	k := s.byKind[ev.Kind]
	k.add(ev.Allowed)
	s.byKind[ev.Kind] = k

	if route := routeField(ev); route != "" {
		c := s.byRoute[route]
		c.add(ev.Allowed)
		s.byRoute[route] = c
	}

	if s.trackTenants {
		t := s.byTenant[ev.Tenant]
		t.add(ev.Allowed)
		s.byTenant[ev.Tenant] = t
	}
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByKind() map[domain.Kind]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Kind]Counters, len(s.byKind))
	for k, v := range s.byKind {
		out[k] = v
	}
	return out
}

func (s *MemoryStatsStore) ByTenant() map[domain.Tenant]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Tenant]Counters, len(s.byTenant))
	for k, v := range s.byTenant {
		out[k] = v
	}
	return out
}

// ByRoute é indexado por "METHOD PATH".
func (s *MemoryStatsStore) ByRoute() map[string]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Counters, len(s.byRoute))
	for k, v := range s.byRoute {
		out[k] = v
	}
	return out
}

func routeField(ev domain.StatsEvent) string {
	return strings.TrimSpace(strings.TrimSpace(ev.Method) + " " + strings.TrimSpace(ev.Path))
}
