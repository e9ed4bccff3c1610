package ledger

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisLedger stores ignored request IDs as per-ID keys with a TTL so
// retention is enforced by Redis itself and no sweep loop is needed.
// Read errors fail toward "not ignored": blocking the driver on a cache
// outage is worse than the occasional duplicate offer, which the grace
// window still covers.
type RedisLedger struct {
	client    *redis.Client
	prefix    string
	retention time.Duration
	logger    *slog.Logger
}

func NewRedisLedger(addr, password, prefix string, retention time.Duration, logger *slog.Logger) *RedisLedger {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if prefix == "" {
		prefix = "dispatch:ignored:"
	}
	return &RedisLedger{client: c, prefix: prefix, retention: retention, logger: logger}
}

func (r *RedisLedger) Remember(requestID string) {
	if requestID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := r.client.Set(ctx, r.prefix+requestID, 1, r.retention).Err(); err != nil {
		r.logger.Warn("ledger remember failed", "request_id", requestID, "error", err)
	}
}

func (r *RedisLedger) IsIgnored(requestID string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := r.client.Exists(ctx, r.prefix+requestID).Result()
	if err != nil {
		r.logger.Warn("ledger lookup failed", "request_id", requestID, "error", err)
		return false
	}
	return n > 0
}

func (r *RedisLedger) Close() error { return r.client.Close() }
