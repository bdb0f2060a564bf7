package domain

import (
	"context"
	"time"
)

// StatsEvent representa um evento de decisão de admissão.
//
// Ele é propositalmente "agnóstico de HTTP": Method/Path são strings genéricas
// e podem ser usadas para web, SSE, etc.
//
// Observação: cuidado com cardinalidade (ex.: salvar Tenant/Path sem controle pode
// explodir o número de séries/chaves em uma base como Redis/Prometheus).
type StatsEvent struct {
	Tenant  Tenant
	Kind    Kind
	Allowed bool

	// Method/Path viram o contador por rota. Prefira o template da rota
	// ("/stream/{topic}") à URL crua quando houver ids no caminho.
	Method string
	Path   string

	At time.Time
}

// StatsStore é a estratégia de persistência para estatísticas de admissão.
//
// Implementações podem armazenar em Redis, memória, etc.
// Os adapters devem tratar erro como best-effort (não derrubar request).
type StatsStore interface {
	Record(ctx context.Context, ev StatsEvent) error
}
