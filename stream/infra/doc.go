// Package infra implementa as portas do streaming: ring buffer por tópico,
// replay store (memória e Redis), trilha de auditoria (memória e Redis) e
// validação/emissão de tokens JWT.
package infra
