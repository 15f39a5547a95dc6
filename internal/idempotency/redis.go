// internal/idempotency/redis.go
package idempotency

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore 是 Store 的 Redis 实现。
// 结果用 SET NX 写入，天然解决并发重复请求的竞态。
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{client: client, ttl: ttl}
}

func (s *RedisStore) key(k string) string { return "idem:" + k }

func (s *RedisStore) Lookup(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, errors.Wrap(err, "idempotency lookup")
	}
	return val, true, nil
}

func (s *RedisStore) Remember(ctx context.Context, key string, outcome []byte) ([]byte, bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), outcome, s.ttl).Result()
	if err != nil {
		return nil, false, errors.Wrap(err, "idempotency remember")
	}
	if ok {
		return outcome, true, nil
	}
	// 并发请求抢先写入了结果，读回并采纳它
	existing, err := s.client.Get(ctx, s.key(key)).Bytes()
	if err != nil {
		return nil, false, errors.Wrap(err, "idempotency read-back")
	}
	return existing, false, nil
}

func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), []byte("claimed"), s.ttl).Result()
	if err != nil {
		return false, errors.Wrap(err, "idempotency claim")
	}
	return ok, nil
}

func (s *RedisStore) Release(ctx context.Context, key string) error {
	return errors.Wrap(s.client.Del(ctx, s.key(key)).Err(), "idempotency release")
}
