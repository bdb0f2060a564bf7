// Package infra contém implementações concretas (infraestrutura) para os contratos
// definidos no pacote domain.
//
// Exemplos:
//   - TokenBucket: acumulador de tokens com refill preguiçoso (sem timer)
//   - Controller: mapa de tenants com um mutex por tenant e despejo oportunista
//   - ChanPool: semáforo simples para limite global de streams
//   - MemoryStatsStore / RedisStatsStore: contadores de decisões
package infra
