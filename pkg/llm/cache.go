package llm

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ResponseCache memoizes normalized completions by the content of their
// messages. A content-addressed entry stays valid until TTL; nothing
// invalidates it on provider change.
type ResponseCache struct {
	rdb    *redis.Client
	prefix string
	ttl    time.Duration
}

// NewResponseCache builds the cache; ttl <= 0 uses the 1 hour default.
func NewResponseCache(rdb *redis.Client, prefix string, ttl time.Duration) *ResponseCache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &ResponseCache{rdb: rdb, prefix: prefix, ttl: ttl}
}

// CacheKey hashes the canonical JSON of the messages array. Struct field
// order is fixed, so encoding/json already yields a stable byte form.
func CacheKey(messages []ChatMessage) string {
	raw, _ := json.Marshal(messages)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (c *ResponseCache) key(hash string) string {
	return c.prefix + "llmcache:" + hash
}

// Get returns the cached response, or nil on miss.
func (c *ResponseCache) Get(ctx context.Context, hash string) (*ChatResponse, error) {
	raw, err := c.rdb.Get(ctx, c.key(hash)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading response cache: %w", err)
	}
	var out ChatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, nil // corrupt entry; treat as miss
	}
	return &out, nil
}

// Put stores a normalized response under its message hash.
func (c *ResponseCache) Put(ctx context.Context, hash string, resp *ChatResponse) error {
	raw, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("encoding cached response: %w", err)
	}
	return c.rdb.Set(ctx, c.key(hash), raw, c.ttl).Err()
}

// Clear removes every cached response, used when provider configuration
// changes make cached output misleading.
func (c *ResponseCache) Clear(ctx context.Context) error {
	iter := c.rdb.Scan(ctx, 0, c.prefix+"llmcache:*", 200).Iterator()
	for iter.Next(ctx) {
		if err := c.rdb.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("clearing response cache: %w", err)
		}
	}
	return iter.Err()
}
