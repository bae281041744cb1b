package rules

import (
	"sync"
	"time"
)

// RulesCache holds the enabled ruleset between snapshots so each run does not
// hit configuration storage
type RulesCache interface {
	// Get returns the cached ruleset, or nil on a miss or after expiry
	Get() []*Rule

	// Generation changes on every Invalidate. Read it before loading from the
	// store and hand it to SetIfGeneration.
	Generation() uint64

	// SetIfGeneration stores the ruleset only if no Invalidate happened since
	// gen was read. It reports whether the ruleset was stored.
	SetIfGeneration(rules []*Rule, gen uint64) bool

	// Invalidate clears the cache, forcing a reload on next Get
	Invalidate()

	// LoadedAt returns when the current ruleset was cached; zero when invalid
	LoadedAt() time.Time
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for the cached ruleset.
	// 0 means manual invalidation only.
	TTL time.Duration
}

// DefaultCacheConfig invalidates only on rule mutations
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{TTL: 0}
}

// InMemoryRulesCache is a RulesCache guarded by an RWMutex
type InMemoryRulesCache struct {
	rules    []*Rule
	cachedAt time.Time
	config   CacheConfig
	isValid  bool
	gen      uint64
	mu       sync.RWMutex
}

// NewInMemoryRulesCache creates an empty cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{config: config}
}

func (c *InMemoryRulesCache) fresh() bool {
	if !c.isValid {
		return false
	}
	return c.config.TTL <= 0 || time.Since(c.cachedAt) <= c.config.TTL
}

// Get returns a copy of the cached rules
func (c *InMemoryRulesCache) Get() []*Rule {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return nil
	}

	out := make([]*Rule, len(c.rules))
	for i, r := range c.rules {
		out[i] = r.Clone()
	}
	return out
}

// Generation returns the current invalidation generation
func (c *InMemoryRulesCache) Generation() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.gen
}

// SetIfGeneration stores a copy of rules unless the cache was invalidated
// after gen was read
func (c *InMemoryRulesCache) SetIfGeneration(rules []*Rule, gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.gen != gen {
		return false
	}

	c.rules = make([]*Rule, len(rules))
	for i, r := range rules {
		c.rules[i] = r.Clone()
	}
	c.cachedAt = time.Now()
	c.isValid = true
	return true
}

// Invalidate clears the cache
func (c *InMemoryRulesCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isValid = false
	c.rules = nil
	c.gen++
}

// LoadedAt reports when the cached ruleset was stored
func (c *InMemoryRulesCache) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if !c.fresh() {
		return time.Time{}
	}
	return c.cachedAt
}
