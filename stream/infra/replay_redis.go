package infra

import (
	"context"
	"fmt"
	"time"

	"stream-gateway/stream/domain"

	"github.com/redis/go-redis/v9"
)

// RedisReplayStore marca jtis com SET NX EX, atômico entre réplicas.
type RedisReplayStore struct {
	rdb    redis.Cmdable
	prefix string
}

type RedisReplayOption func(*RedisReplayStore)

// WithReplayPrefix define o prefixo das chaves (padrão "stream:jti").
func WithReplayPrefix(prefix string) RedisReplayOption {
	return func(s *RedisReplayStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

func NewRedisReplayStore(rdb redis.Cmdable, opts ...RedisReplayOption) *RedisReplayStore {
	s := &RedisReplayStore{rdb: rdb, prefix: "stream:jti"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisReplayStore) MarkUsed(ctx context.Context, jti string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	first, err := s.rdb.SetNX(ctx, s.prefix+":"+jti, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", domain.ErrReplayStoreUnavailable, err)
	}
	return first, nil
}
