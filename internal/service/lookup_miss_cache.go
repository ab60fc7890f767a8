package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultLookupMissTTL = 30 * time.Second

// LookupMissCache remembers scan codes that matched no asset so repeated
// scans of unknown labels skip the store. Any asset write invalidates it.
type LookupMissCache interface {
	Missed(ctx context.Context, code string) (bool, error)
	RecordMiss(ctx context.Context, code string) error
	Invalidate(ctx context.Context) error
}

type NoopLookupMissCache struct{}

func (NoopLookupMissCache) Missed(context.Context, string) (bool, error) { return false, nil }
func (NoopLookupMissCache) RecordMiss(context.Context, string) error     { return nil }
func (NoopLookupMissCache) Invalidate(context.Context) error             { return nil }

func lookupCacheKey(code string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(code))))
	return hex.EncodeToString(sum[:])
}

type LocalLookupMissCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	misses map[string]time.Time
	now    func() time.Time
}

func NewLocalLookupMissCache(ttl time.Duration) *LocalLookupMissCache {
	return &LocalLookupMissCache{ttl: ttl, misses: make(map[string]time.Time), now: time.Now}
}

func (c *LocalLookupMissCache) Missed(_ context.Context, code string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	key := lookupCacheKey(code)
	until, ok := c.misses[key]
	if !ok {
		return false, nil
	}
	if !c.now().Before(until) {
		delete(c.misses, key)
		return false, nil
	}
	return true, nil
}

func (c *LocalLookupMissCache) RecordMiss(_ context.Context, code string) error {
	if c.ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.misses[lookupCacheKey(code)] = c.now().Add(c.ttl)
	return nil
}

func (c *LocalLookupMissCache) Invalidate(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.misses)
	return nil
}

// RedisLookupMissCache namespaces entries under a generation counter;
// Invalidate bumps the generation instead of deleting keys.
type RedisLookupMissCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisLookupMissCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisLookupMissCache {
	if prefix == "" {
		prefix = "scan_miss"
	}
	return &RedisLookupMissCache{client: client, prefix: prefix, ttl: ttl}
}

func (c *RedisLookupMissCache) generation(ctx context.Context) (string, error) {
	gen, err := c.client.Get(ctx, c.prefix+":gen").Result()
	if errors.Is(err, redis.Nil) {
		return "0", nil
	}
	return gen, err
}

func (c *RedisLookupMissCache) key(ctx context.Context, code string) (string, error) {
	gen, err := c.generation(ctx)
	if err != nil {
		return "", err
	}
	return c.prefix + ":" + gen + ":" + lookupCacheKey(code), nil
}

func (c *RedisLookupMissCache) Missed(ctx context.Context, code string) (bool, error) {
	key, err := c.key(ctx, code)
	if err != nil {
		return false, err
	}
	n, err := c.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *RedisLookupMissCache) RecordMiss(ctx context.Context, code string) error {
	if c.ttl <= 0 {
		return nil
	}
	key, err := c.key(ctx, code)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, "1", c.ttl).Err()
}

func (c *RedisLookupMissCache) Invalidate(ctx context.Context) error {
	return c.client.Incr(ctx, c.prefix+":gen").Err()
}
