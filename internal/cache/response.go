// Package cache is the idempotent response cache consulted before upstream
// calls for cache-friendly categories. Redis-backed when a client is
// configured, with an in-memory fallback map that also absorbs Redis
// outages.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"maestro/internal/ai"
	"maestro/internal/logging"
	"maestro/internal/metrics"
)

const keyPrefix = "maestro:response:"

// Config bounds the response cache.
type Config struct {
	// DefaultTTL applies when Set is called with a zero TTL.
	DefaultTTL time.Duration
	// MaxMemoryItems caps the in-memory fallback map.
	MaxMemoryItems int
}

type memEntry struct {
	content   string
	expiresAt time.Time
}

// ResponseCache implements ai.ResponseCache.
type ResponseCache struct {
	rdb *redis.Client
	cfg Config
	log *zap.Logger

	memMu sync.RWMutex
	mem   map[string]*memEntry

	statsMu sync.Mutex
	hits    int64
	misses  int64

	stop chan struct{}
	once sync.Once
}

// New builds the cache. rdb may be nil; the in-memory map then serves alone.
func New(rdb *redis.Client, cfg Config) *ResponseCache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if cfg.MaxMemoryItems <= 0 {
		cfg.MaxMemoryItems = 10000
	}
	c := &ResponseCache{
		rdb:  rdb,
		cfg:  cfg,
		log:  logging.L().Named("cache"),
		mem:  make(map[string]*memEntry),
		stop: make(chan struct{}),
	}
	go c.janitor()
	return c
}

// Get returns the cached content for key, if present and unexpired.
func (c *ResponseCache) Get(ctx context.Context, key string) (string, bool) {
	if c.rdb != nil {
		val, err := c.rdb.Get(ctx, keyPrefix+key).Result()
		if err == nil {
			c.recordHit()
			return val, true
		}
		if err != redis.Nil {
			c.log.Debug("redis get failed, trying memory", zap.Error(err))
		}
	}

	c.memMu.RLock()
	entry, ok := c.mem[key]
	c.memMu.RUnlock()

	if !ok || time.Now().After(entry.expiresAt) {
		if ok {
			c.memMu.Lock()
			delete(c.mem, key)
			c.memMu.Unlock()
		}
		c.recordMiss()
		return "", false
	}

	c.recordHit()
	return entry.content, true
}

// Set stores content under key for ttl. Failures are absorbed; a broken
// cache never fails a request.
func (c *ResponseCache) Set(ctx context.Context, key string, content string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, keyPrefix+key, content, ttl).Err(); err != nil {
			c.log.Debug("redis set failed, storing in memory", zap.Error(err))
		} else {
			metrics.Get().CacheEvents.WithLabelValues("store").Inc()
			return
		}
	}

	c.memMu.Lock()
	if len(c.mem) >= c.cfg.MaxMemoryItems {
		c.evictLocked()
	}
	c.mem[key] = &memEntry{content: content, expiresAt: time.Now().Add(ttl)}
	c.memMu.Unlock()
	metrics.Get().CacheEvents.WithLabelValues("store").Inc()
}

// Stats reports hit/miss counters and the fallback map size.
func (c *ResponseCache) Stats() (hits, misses int64, memorySize int) {
	c.statsMu.Lock()
	hits, misses = c.hits, c.misses
	c.statsMu.Unlock()

	c.memMu.RLock()
	memorySize = len(c.mem)
	c.memMu.RUnlock()
	return hits, misses, memorySize
}

// Close stops the janitor. The Redis client is owned by the caller.
func (c *ResponseCache) Close() {
	c.once.Do(func() { close(c.stop) })
}

func (c *ResponseCache) recordHit() {
	c.statsMu.Lock()
	c.hits++
	c.statsMu.Unlock()
	metrics.Get().CacheEvents.WithLabelValues("hit").Inc()
}

func (c *ResponseCache) recordMiss() {
	c.statsMu.Lock()
	c.misses++
	c.statsMu.Unlock()
	metrics.Get().CacheEvents.WithLabelValues("miss").Inc()
}

// evictLocked drops expired entries first, then arbitrary ones until 10%
// of capacity is free. Caller holds memMu.
func (c *ResponseCache) evictLocked() {
	toEvict := c.cfg.MaxMemoryItems / 10
	if toEvict < 1 {
		toEvict = 1
	}
	now := time.Now()
	evicted := 0
	for key, entry := range c.mem {
		if evicted >= toEvict {
			return
		}
		if now.After(entry.expiresAt) {
			delete(c.mem, key)
			evicted++
		}
	}
	for key := range c.mem {
		if evicted >= toEvict {
			return
		}
		delete(c.mem, key)
		evicted++
	}
}

func (c *ResponseCache) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			now := time.Now()
			c.memMu.Lock()
			for key, entry := range c.mem {
				if now.After(entry.expiresAt) {
					delete(c.mem, key)
				}
			}
			c.memMu.Unlock()
		}
	}
}

var _ ai.ResponseCache = (*ResponseCache)(nil)
