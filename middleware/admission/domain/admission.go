package domain

// Camada de domínio da admissão.
//
// Regras e contratos (interfaces/tipos) sem dependência de net/http.

import (
	"errors"
	"time"
)

type Tenant string

// Kind identifica qual orçamento foi consultado numa decisão.
type Kind string

const (
	KindRequest    Kind = "request"
	KindConnection Kind = "connection"
)

var (
	// ErrAdmissionRejected é retornado quando o tenant excedeu taxa ou conexões.
	// É retentável depois de RetryAfter.
	ErrAdmissionRejected = errors.New("admission rejected")
	// ErrInvalidLimits indica limites não positivos em SetTenantLimits.
	ErrInvalidLimits = errors.New("invalid tenant limits")
)

// Limits são os limites configurados de um tenant.
type Limits struct {
	QPS         float64
	Burst       int
	Connections int
}

func (l Limits) Validate() error {
	if l.QPS <= 0 || l.Burst <= 0 || l.Connections <= 0 {
		return ErrInvalidLimits
	}
	return nil
}

// Admitter decide admissões por tenant.
//
// Observação: chamadas de tenants diferentes nunca serializam entre si;
// chamadas do mesmo tenant são linearizáveis.
type Admitter interface {
	AllowRequest(tenant Tenant, cost float64) Decision
	AllowConnectionOpen(tenant Tenant) Decision
	OnConnectionClose(tenant Tenant)
}

type Decision struct {
	Allowed bool
	Kind    Kind

	// Limit é o limite anunciado ao cliente (QPS ou conexões, conforme Kind).
	Limit int
	// Remaining é a estimativa pós-decisão (tokens ou vagas de conexão).
	Remaining int
	// Reset é o início da próxima hora cheia depois da decisão.
	Reset time.Time
	// RetryAfter é o valor a ser retornado em Retry-After quando bloquear.
	// Se 0, não há recomendação.
	RetryAfter time.Duration
}

// Err traduz a decisão para o erro de domínio (nil quando admitido).
func (d Decision) Err() error {
	if d.Allowed {
		return nil
	}
	return ErrAdmissionRejected
}

// NextHour devolve o início da próxima hora cheia estritamente depois de t.
func NextHour(t time.Time) time.Time {
	return t.Truncate(time.Hour).Add(time.Hour)
}

// DecisionObserver recebe cada decisão (métricas, logs). Não pode bloquear.
type DecisionObserver interface {
	ObserveDecision(tenant Tenant, d Decision)
}
