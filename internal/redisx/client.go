package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

func New(addr string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
}

// Ping fails fast at startup when Redis is configured but unreachable.
func Ping(ctx context.Context, rdb *redis.Client) error {
	if err := rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func Exists(ctx context.Context, rdb *redis.Client, key string) (bool, error) {
	n, err := rdb.Exists(ctx, key).Result()
	return n > 0, err
}

// IdempotencyCache is the fast path in front of the ledger's idempotency
// index. The database stays authoritative; a miss here costs one query.
type IdempotencyCache struct {
	Client *redis.Client
}

func (c *IdempotencyCache) Lookup(ctx context.Context, key string) (string, bool, error) {
	id, err := c.Client.Get(ctx, fmt.Sprintf(KeyIdemOrderPlace, key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

func (c *IdempotencyCache) Remember(ctx context.Context, key, orderID string) error {
	return c.Client.Set(ctx, fmt.Sprintf(KeyIdemOrderPlace, key), orderID, TTLIdempotency).Err()
}

// Dedup remembers which events a consumer has already handled.
type Dedup struct {
	Client  *redis.Client
	Service string
}

func (d *Dedup) Seen(ctx context.Context, eventID string) (bool, error) {
	return Exists(ctx, d.Client, fmt.Sprintf(KeyDedup, d.Service, eventID))
}

func (d *Dedup) MarkSeen(ctx context.Context, eventID string) error {
	return d.Client.Set(ctx, fmt.Sprintf(KeyDedup, d.Service, eventID), "1", TTLDedup).Err()
}
