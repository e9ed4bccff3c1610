package cooldown

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/driver-dispatch/internal/models"
)

// RedisSource reads the cooldown decision written by the reliability
// service: a hash at cooldown:driver:<id> with "reason" and "until"
// (RFC3339) fields. A missing key means no cooldown.
type RedisSource struct {
	client *redis.Client
}

func NewRedisSource(addr, password string) *RedisSource {
	return &RedisSource{client: redis.NewClient(&redis.Options{Addr: addr, Password: password})}
}

func (s *RedisSource) GetCooldown(ctx context.Context, driverID string) (models.CooldownWindow, error) {
	m, err := s.client.HGetAll(ctx, key(driverID)).Result()
	if err != nil {
		return models.CooldownWindow{}, err
	}
	if len(m) == 0 {
		return models.CooldownWindow{}, nil
	}
	until, err := time.Parse(time.RFC3339, m["until"])
	if err != nil {
		return models.CooldownWindow{}, err
	}
	remaining := time.Until(until)
	if remaining <= 0 {
		return models.CooldownWindow{}, nil
	}
	w := models.CooldownWindow{
		Active:    true,
		Reason:    m["reason"],
		Remaining: remaining,
	}
	if v, ok := m["started"]; ok {
		if ts, err := time.Parse(time.RFC3339, v); err == nil {
			w.StartedAt = ts
		}
	}
	return w, nil
}

func (s *RedisSource) Close() error { return s.client.Close() }

func key(driverID string) string { return "cooldown:driver:" + driverID }
