package nonce

import (
	"context"
	"fmt"
	"time"
)

// RedisClient is the subset of database.Redis the store needs.
type RedisClient interface {
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
}

// RedisStore shares the replay cache across gateway instances. SET NX with a
// TTL makes check-and-mark a single server-side operation.
type RedisStore struct {
	client RedisClient
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are written as prefix+device+":"+nonce.
func NewRedisStore(client RedisClient, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) key(deviceID, nonce string) string {
	return s.prefix + deviceID + ":" + nonce
}

// CheckAndMark records the pair with SET NX PX.
func (s *RedisStore) CheckAndMark(ctx context.Context, deviceID, nonce string, ttl time.Duration) (bool, error) {
	if err := validate(deviceID, nonce); err != nil {
		return false, err
	}
	if ttl < time.Millisecond {
		ttl = time.Millisecond
	}
	ok, err := s.client.SetNX(ctx, s.key(deviceID, nonce), 1, ttl)
	if err != nil {
		return false, fmt.Errorf("nonce: redis setnx: %w", err)
	}
	return ok, nil
}

// Seen reports whether the pair is recorded.
func (s *RedisStore) Seen(ctx context.Context, deviceID, nonce string) (bool, error) {
	if err := validate(deviceID, nonce); err != nil {
		return false, err
	}
	ok, err := s.client.Exists(ctx, s.key(deviceID, nonce))
	if err != nil {
		return false, fmt.Errorf("nonce: redis exists: %w", err)
	}
	return ok, nil
}

var _ Store = (*RedisStore)(nil)
