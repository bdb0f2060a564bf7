package infra

import (
	"context"
	"sync"

	"stream-gateway/middleware/admission/domain"
)

type chanPool struct {
	sem chan struct{}
}

// NewChanPool cria um pool simples baseado em channel com capacidade `max`.
// Usado como teto global de streams abertos no processo.
func NewChanPool(max int) domain.SlotPool {
	return &chanPool{sem: make(chan struct{}, max)}
}

func (p *chanPool) Acquire(ctx context.Context) (func(), bool) {
	// vaga livre tem prioridade sobre ctx já vencido
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), true
	default:
	}
	select {
	case p.sem <- struct{}{}:
		return p.releaseFunc(), true
	case <-ctx.Done():
		return nil, false
	}
}

func (p *chanPool) InUse() int { return len(p.sem) }

// releaseFunc pode ser chamado mais de uma vez (defer + fechamento explícito).
func (p *chanPool) releaseFunc() func() {
	var once sync.Once
	return func() { once.Do(func() { <-p.sem }) }
}
