package cache

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-redis/redis/v9"

	"github.com/flowkeep/engine/internal/node"
)

// RedisMirror shadows a Cache's writes into a Redis hash, selected by
// config.CacheConfig.Backend == "redis". Reads still come from the local
// Cache — this is a fan-out write path for external observers (a
// dashboard, a second flowkeepd instance watching read-only), not a
// replacement backend for C5's hot path.
type RedisMirror struct {
	client *redis.Client
	key    string
}

// NewRedisMirror connects to addr/db with the given password (empty for
// none) and mirrors into the hash named key.
func NewRedisMirror(addr, password string, db int, key string) *RedisMirror {
	return &RedisMirror{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		key: key,
	}
}

// Put serializes n and writes it into the mirrored hash under its id.
func (r *RedisMirror) Put(ctx context.Context, n *node.Node) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("marshal node %s for redis mirror: %w", n.ID, err)
	}
	return r.client.HSet(ctx, r.key, n.ID, data).Err()
}

// Remove drops id from the mirrored hash.
func (r *RedisMirror) Remove(ctx context.Context, id string) error {
	return r.client.HDel(ctx, r.key, id).Err()
}

// Close releases the underlying Redis connection pool.
func (r *RedisMirror) Close() error {
	return r.client.Close()
}
