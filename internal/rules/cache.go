package rules

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/trialgrid/crfengine/model"
)

// CacheStats reports hits and misses for metrics.
type CacheStats struct {
	Hit  func()
	Miss func()
}

func (s CacheStats) hit() {
	if s.Hit != nil {
		s.Hit()
	}
}

func (s CacheStats) miss() {
	if s.Miss != nil {
		s.Miss()
	}
}

// --- MemoryCache ---

// MemoryCache is an in-memory rule cache with TTL. Suitable for tests
// and single-instance deployments.
type MemoryCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	stats   CacheStats
	entries map[string]memCacheEntry
}

type memCacheEntry struct {
	rules     []model.ValidationRule
	expiresAt time.Time
}

// NewMemoryCache creates a memory cache. A non-positive TTL means
// entries only leave via Invalidate.
func NewMemoryCache(ttl time.Duration, stats CacheStats) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		stats:   stats,
		entries: make(map[string]memCacheEntry),
	}
}

func (c *MemoryCache) Get(_ context.Context, formID string) ([]model.ValidationRule, bool) {
	c.mu.RLock()
	entry, ok := c.entries[formID]
	c.mu.RUnlock()

	if !ok {
		c.stats.miss()
		return nil, false
	}
	if !entry.expiresAt.IsZero() && time.Now().After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, formID)
		c.mu.Unlock()
		c.stats.miss()
		return nil, false
	}
	c.stats.hit()
	return entry.rules, true
}

func (c *MemoryCache) Set(_ context.Context, formID string, rules []model.ValidationRule) {
	entry := memCacheEntry{rules: rules}
	if c.ttl > 0 {
		entry.expiresAt = time.Now().Add(c.ttl)
	}
	c.mu.Lock()
	c.entries[formID] = entry
	c.mu.Unlock()
}

func (c *MemoryCache) Invalidate(_ context.Context, formID string) {
	c.mu.Lock()
	delete(c.entries, formID)
	c.mu.Unlock()
}

// --- RedisCache ---

// RedisCache is a Redis-backed rule cache storing JSON-encoded rule
// lists under "rules:{formId}". Cache failures degrade to misses; they
// never fail a validation call.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	stats  CacheStats
	log    *zap.Logger
}

// NewRedisCache creates a Redis rule cache.
func NewRedisCache(client *redis.Client, ttl time.Duration, stats CacheStats, log *zap.Logger) *RedisCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisCache{client: client, ttl: ttl, stats: stats, log: log}
}

func cacheKey(formID string) string { return "rules:" + formID }

// HealthCheck verifies Redis connectivity.
func (c *RedisCache) HealthCheck(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Get(ctx context.Context, formID string) ([]model.ValidationRule, bool) {
	raw, err := c.client.Get(ctx, cacheKey(formID)).Bytes()
	if err == redis.Nil {
		c.stats.miss()
		return nil, false
	}
	if err != nil {
		c.log.Warn("rule cache read failed", zap.String("form_id", formID), zap.Error(err))
		c.stats.miss()
		return nil, false
	}

	var rules []model.ValidationRule
	if err := json.Unmarshal(raw, &rules); err != nil {
		c.log.Warn("rule cache entry corrupt, dropping", zap.String("form_id", formID), zap.Error(err))
		c.client.Del(ctx, cacheKey(formID))
		c.stats.miss()
		return nil, false
	}
	c.stats.hit()
	return rules, true
}

func (c *RedisCache) Set(ctx context.Context, formID string, rules []model.ValidationRule) {
	raw, err := json.Marshal(rules)
	if err != nil {
		c.log.Warn("rule cache encode failed", zap.String("form_id", formID), zap.Error(err))
		return
	}
	if err := c.client.Set(ctx, cacheKey(formID), raw, c.ttl).Err(); err != nil {
		c.log.Warn("rule cache write failed", zap.String("form_id", formID), zap.Error(err))
	}
}

func (c *RedisCache) Invalidate(ctx context.Context, formID string) {
	if err := c.client.Del(ctx, cacheKey(formID)).Err(); err != nil {
		c.log.Warn("rule cache invalidation failed", zap.String("form_id", formID), zap.Error(err))
	}
}
