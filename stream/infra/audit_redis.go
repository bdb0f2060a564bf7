package infra

import (
	"context"
	"strconv"
	"time"

	"stream-gateway/stream/domain"

	"github.com/redis/go-redis/v9"
)

// RedisAuditStore grava cada evento num hash com TTL de retenção e indexa por
// tipo e por jti em sorted sets (score = unix).
//
// Chaves:
//   - <prefix>:event:<id>        (hash)
//   - <prefix>:type:<event_type> (zset de ids)
//   - <prefix>:jti:<jti>         (zset de ids)
type RedisAuditStore struct {
	rdb       redis.Cmdable
	prefix    string
	retention time.Duration
}

type RedisAuditOption func(*RedisAuditStore)

func WithAuditPrefix(prefix string) RedisAuditOption {
	return func(s *RedisAuditStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithAuditRetention define a retenção (padrão 30 dias).
func WithAuditRetention(d time.Duration) RedisAuditOption {
	return func(s *RedisAuditStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

func NewRedisAuditStore(rdb redis.Cmdable, opts ...RedisAuditOption) *RedisAuditStore {
	s := &RedisAuditStore{rdb: rdb, prefix: "stream:audit", retention: 30 * 24 * time.Hour}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisAuditStore) Record(ctx context.Context, ev domain.AuditEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	eventKey := s.prefix + ":event:" + ev.ID
	score := float64(at.Unix())
	cutoff := strconv.FormatInt(at.Add(-s.retention).Unix(), 10)

	fields := map[string]any{
		"event_type": string(ev.Type),
		"timestamp":  at.UTC().Format(time.RFC3339),
		"jti":        ev.JTI,
		"sub":        ev.Subject,
		"tid":        ev.Tenant,
		"topic":      ev.Topic,
		"client_ip":  ev.ClientIPHash,
		"endpoint":   ev.Endpoint,
		"reason":     ev.Reason,
	}
	if !ev.IssuedAt.IsZero() {
		fields["iat"] = ev.IssuedAt.Unix()
	}
	if !ev.Expiry.IsZero() {
		fields["exp"] = ev.Expiry.Unix()
	}

	indexes := []string{s.prefix + ":type:" + string(ev.Type)}
	if ev.JTI != "" {
		indexes = append(indexes, s.prefix+":jti:"+ev.JTI)
	}

	_, err := s.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, eventKey, fields)
		p.Expire(ctx, eventKey, s.retention)
		for _, idx := range indexes {
			p.ZAdd(ctx, idx, redis.Z{Score: score, Member: ev.ID})
			p.ZRemRangeByScore(ctx, idx, "-inf", "("+cutoff)
			p.Expire(ctx, idx, s.retention)
		}
		return nil
	})
	return err
}

// RecentIDs devolve os ids mais recentes de um tipo de evento.
func (s *RedisAuditStore) RecentIDs(ctx context.Context, typ domain.AuditEventType, limit int64) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.rdb.ZRevRange(ctx, s.prefix+":type:"+string(typ), 0, limit-1).Result()
}
