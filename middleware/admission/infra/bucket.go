package infra

import (
	"math"
	"time"
)

// TokenBucket é o acumulador de um tenant: capacidade = burst, refill contínuo
// em tokens/segundo, calculado só quando alguém olha.
//
// Não é seguro para uso concorrente: quem serializa é o dono (o tenant no Controller).
type TokenBucket struct {
	capacity   float64
	tokens     float64
	refillRate float64
	lastUpdate time.Time
}

// NewTokenBucket cria um bucket cheio.
func NewTokenBucket(capacity, refillRate float64, now time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   capacity,
		tokens:     capacity,
		refillRate: refillRate,
		lastUpdate: now,
	}
}

// refill: tokens = min(capacity, tokens + elapsed*rate).
// Tempo que "anda para trás" (só possível com relógios falsos) não soma nada.
func (b *TokenBucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastUpdate).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens = math.Min(b.capacity, b.tokens+elapsed*b.refillRate)
	b.lastUpdate = now
}

// Remaining devolve os tokens disponíveis depois do refill.
func (b *TokenBucket) Remaining(now time.Time) float64 {
	b.refill(now)
	return b.tokens
}

// Full indica se o bucket está na capacidade máxima.
func (b *TokenBucket) Full(now time.Time) bool {
	return b.Remaining(now) >= b.capacity
}

// TryConsume faz o refill e desconta cost se houver saldo.
// Sem saldo, o nível fica como estava e retorna false.
// Um custo acima da capacidade nunca passa (não é truncado).
func (b *TokenBucket) TryConsume(now time.Time, cost float64) bool {
	b.refill(now)
	if math.IsNaN(cost) || cost < 0 || cost > b.capacity {
		return false
	}
	if b.tokens < cost {
		return false
	}
	b.tokens -= cost
	return true
}

// WaitFor estima quanto tempo falta para cost caber no bucket.
// Retorna 0 se já cabe e -1 se nunca vai caber.
func (b *TokenBucket) WaitFor(now time.Time, cost float64) time.Duration {
	b.refill(now)
	if cost > b.capacity || b.refillRate <= 0 {
		return -1
	}
	deficit := cost - b.tokens
	if deficit <= 0 {
		return 0
	}
	return time.Duration(deficit / b.refillRate * float64(time.Second))
}

// Resize aplica novos limites sem zerar o nível atual (só limita à nova capacidade).
func (b *TokenBucket) Resize(now time.Time, capacity, refillRate float64) {
	b.refill(now)
	b.capacity = capacity
	b.refillRate = refillRate
	if b.tokens > capacity {
		b.tokens = capacity
	}
}
