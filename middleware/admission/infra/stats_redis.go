package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"stream-gateway/middleware/admission/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava contadores de admissão em hashes Redis:
//
//	<prefix>:total                  allowed/denied
//	<prefix>:minute:<yyyymmddhhmm>  allowed/denied (com TTL)
//	<prefix>:kind                   <kind>:allowed / <kind>:denied
//	<prefix>:route                  <METHOD PATH>:allowed / :denied
//	<prefix>:tenant:<tenant>        allowed/denied (opcional, com TTL)
type RedisStatsStore struct {
	rdb redis.Cmdable

	prefix string
	// ttl aplica apenas em chaves de série temporal / por tenant.
	// total é cumulativo e não expira.
	ttl time.Duration

	bucket string // "minute" (padrão) ou "none"

	trackTenants bool
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func WithStatsBucket(bucket string) RedisStatsOption {
	return func(s *RedisStatsStore) { s.bucket = strings.ToLower(strings.TrimSpace(bucket)) }
}

func WithStatsTrackTenants(track bool) RedisStatsOption {
	return func(s *RedisStatsStore) { s.trackTenants = track }
}

func NewRedisStatsStore(rdb redis.Cmdable, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "admission:stats",
		ttl:    24 * time.Hour,
		bucket: "minute",
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.StatsEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "allowed"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)

	if s.bucket == "minute" {
		bucketKey := fmt.Sprintf("%s:minute:%s", s.prefix, at.UTC().Format("200601021504"))
		pipe.HIncrBy(ctx, bucketKey, field, 1)
		if s.ttl > 0 {
			pipe.Expire(ctx, bucketKey, s.ttl)
		}
	}

	if ev.Kind != "" {
		pipe.HIncrBy(ctx, s.prefix+":kind", string(ev.Kind)+":"+field, 1)
	}

	if route := routeField(ev); route != "" {
		pipe.HIncrBy(ctx, s.prefix+":route", route+":"+field, 1)
	}

	if s.trackTenants {
		t := strings.TrimSpace(string(ev.Tenant))
		if t != "" {
			tenantKey := s.prefix + ":tenant:" + t
			pipe.HIncrBy(ctx, tenantKey, field, 1)
			if s.ttl > 0 {
				pipe.Expire(ctx, tenantKey, s.ttl)
			}
		}
	}

	_, err := pipe.Exec(ctx)
	return err
}
