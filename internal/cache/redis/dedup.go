package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/floorlab/nftindexer/internal/domain"
)

// Deduper implements domain.Deduper using SET NX with a TTL. Job queues use
// it to give deterministic job contexts at-most-once execution within the
// dedup window.
type Deduper struct {
	rdb *redis.Client
}

// NewDeduper creates a Deduper backed by the given Client.
func NewDeduper(c *Client) *Deduper {
	return &Deduper{rdb: c.Underlying()}
}

func dedupKey(key string) string {
	return keyPrefix + "dedup:" + key
}

// FirstSeen returns true exactly once per key within the ttl window: the
// first caller wins, every subsequent caller observes false until the key
// expires.
func (d *Deduper) FirstSeen(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := d.rdb.SetNX(ctx, dedupKey(key), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup %s: %w", key, err)
	}
	return ok, nil
}

// Compile-time interface check.
var _ domain.Deduper = (*Deduper)(nil)
