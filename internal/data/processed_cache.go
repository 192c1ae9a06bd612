package data

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisProcessedCache implements core.ProcessedCache with one expiring key per message id.
type RedisProcessedCache struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisProcessedCache creates a cache whose keys are prefix+messageID.
func NewRedisProcessedCache(client redis.UniversalClient, prefix string) *RedisProcessedCache {
	return &RedisProcessedCache{client: client, prefix: prefix}
}

func (r *RedisProcessedCache) key(messageID string) (string, error) {
	if messageID == "" {
		return "", errors.New("message id cannot be empty")
	}
	return r.prefix + messageID, nil
}

// Seen reports whether messageID is cached.
func (r *RedisProcessedCache) Seen(ctx context.Context, messageID string) (bool, error) {
	k, err := r.key(messageID)
	if err != nil {
		return false, err
	}
	n, err := r.client.Exists(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("redis exists %s: %w", k, err)
	}
	return n == 1, nil
}

// MarkSeen caches messageID for ttl. An existing entry keeps its original expiry so repeated
// lookups cannot extend it past the ledger's own retention.
func (r *RedisProcessedCache) MarkSeen(ctx context.Context, messageID string, ttl time.Duration) error {
	k, err := r.key(messageID)
	if err != nil {
		return err
	}
	if ttl < time.Second {
		ttl = time.Second
	}
	err = r.client.SetArgs(ctx, k, 1, redis.SetArgs{Mode: "NX", TTL: ttl}).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("redis set nx %s: %w", k, err)
	}
	return nil
}
