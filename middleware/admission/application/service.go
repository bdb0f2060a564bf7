package application

import (
	"sync"
	"time"

	"stream-gateway/middleware/admission/domain"
)

// Service concentra a regra de aplicação da admissão.
//
// Ele não sabe nada sobre HTTP (headers/status), apenas retorna uma decisão.
type Service struct {
	Admitter   domain.Admitter
	Observer   domain.DecisionObserver
	RetryAfter time.Duration
}

// Decide consome cost unidades do orçamento de QPS do tenant.
func (s Service) Decide(tenant domain.Tenant, cost float64) domain.Decision {
	if s.Admitter == nil {
		return domain.Decision{Allowed: true, Kind: domain.KindRequest}
	}
	dec := s.Admitter.AllowRequest(tenant, cost)
	return s.finish(tenant, dec)
}

// OpenConnection reserva uma vaga de conexão do tenant.
// Se admitido, release devolve a vaga e pode ser chamado mais de uma vez.
func (s Service) OpenConnection(tenant domain.Tenant) (release func(), dec domain.Decision) {
	if s.Admitter == nil {
		return func() {}, domain.Decision{Allowed: true, Kind: domain.KindConnection}
	}
	dec = s.finish(tenant, s.Admitter.AllowConnectionOpen(tenant))
	if !dec.Allowed {
		return func() {}, dec
	}
	var once sync.Once
	return func() {
		once.Do(func() { s.Admitter.OnConnectionClose(tenant) })
	}, dec
}

func (s Service) finish(tenant domain.Tenant, dec domain.Decision) domain.Decision {
	if !dec.Allowed && dec.RetryAfter <= 0 {
		dec.RetryAfter = s.RetryAfter
		if dec.RetryAfter <= 0 {
			dec.RetryAfter = 1 * time.Second
		}
	}
	if s.Observer != nil {
		s.Observer.ObserveDecision(tenant, dec)
	}
	return dec
}
