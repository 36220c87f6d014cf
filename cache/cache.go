// Package cache implements the Hybrid Secure Cache: a memory-first tier
// with an optional Redis tier, tag-based invalidation, AES-256-GCM
// encryption at rest and hot-data promotion between tiers.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/xypriss/xypriss/xyerrors"
)

// Strategy selects which tiers a Cache uses.
type Strategy int

const (
	// StrategyMemory uses only the in-process tier.
	StrategyMemory Strategy = iota
	// StrategyRedis uses only the Redis tier.
	StrategyRedis
	// StrategyHybrid reads memory first, falls back to Redis on miss, and
	// promotes hot Redis entries back into memory.
	StrategyHybrid
)

const (
	maxKeyLength = 512
	// defaultHotAccessThreshold is the number of accesses within
	// defaultHotWindow that promotes a Redis-tier entry into the memory
	// tier, per spec's configurable default.
	defaultHotAccessThreshold = 10
	defaultHotWindow          = 60 * time.Minute

	// memoryPressureHeadroom is how close to MemoryCapacity (as a
	// fraction) the memory tier must be before Set emits
	// EventMemoryPressure.
	memoryPressureHeadroom = 0.95
)

// Options configures a Cache.
type Options struct {
	Strategy Strategy

	// MasterKey seeds AES-256-GCM encryption via HKDF; required whenever
	// Encrypt is true.
	MasterKey []byte
	Encrypt   bool

	// Namespace scopes all keys for this Cache instance, hashed into the
	// "XyPriss:v2:<digest>:<key>" wire key.
	Namespace string

	// RedisClient is required for StrategyRedis and StrategyHybrid.
	RedisClient *redis.Client

	// DefaultTTL applies when Set is called without an explicit TTL.
	DefaultTTL time.Duration

	// MemoryCapacity bounds the number of entries kept in the memory tier.
	MemoryCapacity int

	// HotAccessThreshold/HotWindow configure hot-data promotion from the
	// Redis tier into the memory tier under StrategyHybrid: an entry read
	// HotAccessThreshold times within HotWindow gets copied into memory.
	HotAccessThreshold int
	HotWindow          time.Duration

	// OnEvent receives monitoring events (key_rotation, cache_error,
	// memory_pressure, etc.); nil skips the callback but events are
	// still logged via Log.
	OnEvent func(Event)
	Log     zerolog.Logger
}

func (o *Options) applyDefaults() {
	if o.DefaultTTL == 0 {
		o.DefaultTTL = 5 * time.Minute
	}
	if o.MemoryCapacity == 0 {
		o.MemoryCapacity = 10_000
	}
	if o.Namespace == "" {
		o.Namespace = "default"
	}
	if o.HotAccessThreshold == 0 {
		o.HotAccessThreshold = defaultHotAccessThreshold
	}
	if o.HotWindow == 0 {
		o.HotWindow = defaultHotWindow
	}
}

// Cache is the Hybrid Secure Cache's public surface.
type Cache struct {
	opts         Options
	digest       string
	memory       *memoryTier
	redis        *redisTier
	tags         *tagIndex
	seal         *sealer
	stats        *Health
	promoteGroup singleflight.Group

	statusMu   sync.Mutex
	lastStatus HealthStatus
}

// New builds a Cache per opts. Redis-backed strategies require a non-nil
// RedisClient; encryption requires a non-empty MasterKey.
func New(opts Options) (*Cache, error) {
	opts.applyDefaults()
	if (opts.Strategy == StrategyRedis || opts.Strategy == StrategyHybrid) && opts.RedisClient == nil {
		return nil, xyerrors.Validation("cache: redis strategy requires a RedisClient")
	}
	if opts.Encrypt && len(opts.MasterKey) == 0 {
		return nil, xyerrors.Validation("cache: encryption requires a MasterKey")
	}

	c := &Cache{
		opts:       opts,
		digest:     namespaceDigest(opts.Namespace),
		memory:     newMemoryTier(opts.MemoryCapacity),
		tags:       newTagIndex(),
		stats:      newHealth(),
		lastStatus: HealthHealthy,
	}
	if opts.Encrypt {
		c.seal = newSealer(opts.MasterKey)
	}
	if opts.Strategy == StrategyRedis || opts.Strategy == StrategyHybrid {
		c.redis = newRedisTier(opts.RedisClient)
	}
	return c, nil
}

func (c *Cache) wireKey(key string) (string, error) {
	if key == "" {
		return "", xyerrors.Validation("cache: key must not be empty")
	}
	if len(key) > maxKeyLength {
		return "", xyerrors.Validation("cache: key exceeds %d characters", maxKeyLength)
	}
	return "XyPriss:v2:" + c.digest + ":" + key, nil
}

func (c *Cache) encode(v []byte) ([]byte, error) {
	if c.seal == nil {
		return v, nil
	}
	return c.seal.seal(c.opts.Namespace, v)
}

func (c *Cache) decode(key string, v []byte) ([]byte, error) {
	if c.seal == nil {
		return v, nil
	}
	plain, err := c.seal.open(c.opts.Namespace, v)
	if err != nil {
		c.emit(Event{Type: EventSuspiciousAccess, Message: "decryption failed, possible tampering or key mismatch", Key: key, Err: err})
	}
	return plain, err
}

// Entry is one set/get unit.
type Entry struct {
	Key   string
	Value []byte
	TTL   time.Duration
	Tags  []string
}

// Set stores value under key with ttl (0 uses Options.DefaultTTL),
// indexing any tags for later invalidation.
func (c *Cache) Set(ctx context.Context, e Entry) error {
	wireKey, err := c.wireKey(e.Key)
	if err != nil {
		return err
	}
	ttl := e.TTL
	if ttl == 0 {
		ttl = c.opts.DefaultTTL
	}
	payload, err := c.encode(e.Value)
	if err != nil {
		return err
	}

	switch c.opts.Strategy {
	case StrategyMemory:
		c.memory.set(wireKey, payload, ttl)
		c.checkMemoryPressure(e.Key)
	case StrategyRedis:
		if err := c.redis.set(ctx, wireKey, payload, ttl); err != nil {
			return err
		}
	case StrategyHybrid:
		c.memory.set(wireKey, payload, ttl)
		c.checkMemoryPressure(e.Key)
		if err := c.redis.set(ctx, wireKey, payload, ttl); err != nil {
			c.stats.recordDegraded()
			c.emit(Event{Type: EventCacheError, Message: "redis set failed, memory tier still holds the value", Key: e.Key, Err: err})
		}
	}
	if len(e.Tags) > 0 {
		c.tags.index(e.Key, e.Tags)
	}
	c.checkHealthTransition()
	return nil
}

func (c *Cache) checkMemoryPressure(key string) {
	if c.memory.capacity <= 0 {
		return
	}
	if float64(c.memory.size()) >= memoryPressureHeadroom*float64(c.memory.capacity) {
		c.emit(Event{Type: EventMemoryPressure, Message: "memory tier near capacity", Key: key, Count: c.memory.size()})
	}
}

// Get retrieves the value for key, promoting hot Redis-tier entries into
// the memory tier once they cross Options.HotAccessThreshold accesses
// inside Options.HotWindow. A Redis tier failure is treated as a miss and
// never propagated to the caller, per the cache's failure-propagation
// policy.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	wireKey, err := c.wireKey(key)
	if err != nil {
		return nil, false, err
	}

	if c.opts.Strategy != StrategyRedis {
		if raw, ok := c.memory.get(wireKey); ok {
			c.stats.recordHit()
			c.checkHealthTransition()
			v, err := c.decode(key, raw)
			return v, true, err
		}
	}

	if c.opts.Strategy == StrategyMemory {
		c.stats.recordMiss()
		c.checkHealthTransition()
		return nil, false, nil
	}

	raw, ok, err := c.redis.get(ctx, wireKey)
	if err != nil {
		c.stats.recordDegraded()
		c.emit(Event{Type: EventCacheError, Message: "redis get failed, treating as a miss", Key: key, Err: err})
		c.checkHealthTransition()
		return nil, false, nil
	}
	if !ok {
		c.stats.recordMiss()
		c.checkHealthTransition()
		return nil, false, nil
	}
	c.stats.recordHit()
	c.checkHealthTransition()

	if c.opts.Strategy == StrategyHybrid {
		c.maybePromote(wireKey, raw)
	}

	v, err := c.decode(key, raw)
	return v, true, err
}

// maybePromote uses a singleflight-collapsed access counter so concurrent
// requests for the same hot key only copy it into the memory tier once.
func (c *Cache) maybePromote(wireKey string, raw []byte) {
	if c.memory.recordAccessAndShouldPromote(wireKey, c.opts.HotAccessThreshold, c.opts.HotWindow) {
		c.promoteGroup.Do(wireKey, func() (any, error) {
			c.memory.set(wireKey, raw, c.opts.DefaultTTL)
			return nil, nil
		})
	}
}

// Delete removes key from every tier and its tag index entries.
func (c *Cache) Delete(ctx context.Context, key string) error {
	wireKey, err := c.wireKey(key)
	if err != nil {
		return err
	}
	c.memory.delete(wireKey)
	if c.redis != nil {
		if err := c.redis.delete(ctx, wireKey); err != nil {
			return err
		}
	}
	c.tags.forget(key)
	return nil
}

// Exists reports whether key is currently present in any configured tier.
func (c *Cache) Exists(ctx context.Context, key string) (bool, error) {
	wireKey, err := c.wireKey(key)
	if err != nil {
		return false, err
	}
	if c.opts.Strategy != StrategyRedis && c.memory.exists(wireKey) {
		return true, nil
	}
	if c.opts.Strategy == StrategyMemory {
		return false, nil
	}
	ok, err := c.redis.exists(ctx, wireKey)
	if err != nil {
		c.stats.recordDegraded()
		c.emit(Event{Type: EventCacheError, Message: "redis exists failed, treating as absent", Key: key, Err: err})
		return false, nil
	}
	return ok, nil
}

// GetTTL reports the remaining time-to-live for key, or ok=false if it
// isn't present.
func (c *Cache) GetTTL(ctx context.Context, key string) (time.Duration, bool, error) {
	wireKey, err := c.wireKey(key)
	if err != nil {
		return 0, false, err
	}
	if c.opts.Strategy != StrategyRedis {
		if ttl, ok := c.memory.ttl(wireKey); ok {
			return ttl, true, nil
		}
	}
	if c.opts.Strategy == StrategyMemory {
		return 0, false, nil
	}
	ttl, ok, err := c.redis.ttl(ctx, wireKey)
	if err != nil {
		c.stats.recordDegraded()
		c.emit(Event{Type: EventCacheError, Message: "redis ttl failed, treating as absent", Key: key, Err: err})
		return 0, false, nil
	}
	return ttl, ok, nil
}

// Expire overwrites key's remaining time-to-live in every tier holding it.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	wireKey, err := c.wireKey(key)
	if err != nil {
		return false, err
	}
	found := false
	if c.opts.Strategy != StrategyRedis && c.memory.expire(wireKey, ttl) {
		found = true
	}
	if c.redis != nil {
		ok, err := c.redis.expire(ctx, wireKey, ttl)
		if err != nil {
			c.stats.recordDegraded()
			c.emit(Event{Type: EventCacheError, Message: "redis expire failed", Key: key, Err: err})
		} else if ok {
			found = true
		}
	}
	return found, nil
}

// Keys returns every logical key (namespace- and wire-prefix stripped)
// whose name matches pattern (shell-glob syntax, e.g. "user:*").
func (c *Cache) Keys(ctx context.Context, pattern string) ([]string, error) {
	prefix := "XyPriss:v2:" + c.digest + ":"
	wirePattern := prefix + pattern

	seen := make(map[string]struct{})
	var out []string
	add := func(wireKey string) {
		if len(wireKey) < len(prefix) {
			return
		}
		logical := wireKey[len(prefix):]
		if _, dup := seen[logical]; dup {
			return
		}
		seen[logical] = struct{}{}
		out = append(out, logical)
	}

	if c.opts.Strategy != StrategyRedis {
		for _, k := range c.memory.keys(wirePattern) {
			add(k)
		}
	}
	if c.redis != nil {
		remote, err := c.redis.keys(ctx, wirePattern)
		if err != nil {
			c.stats.recordDegraded()
			c.emit(Event{Type: EventCacheError, Message: "redis keys scan failed", Err: err})
		} else {
			for _, k := range remote {
				add(k)
			}
		}
	}
	return out, nil
}

// MGet fetches multiple keys at once, returning only those present.
func (c *Cache) MGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	remaining := make([]string, 0, len(keys))
	wireToLogical := make(map[string]string, len(keys))

	for _, key := range keys {
		wireKey, err := c.wireKey(key)
		if err != nil {
			return nil, err
		}
		if c.opts.Strategy != StrategyRedis {
			if raw, ok := c.memory.get(wireKey); ok {
				v, err := c.decode(key, raw)
				if err != nil {
					return nil, err
				}
				out[key] = v
				continue
			}
		}
		if c.opts.Strategy == StrategyMemory {
			continue
		}
		remaining = append(remaining, wireKey)
		wireToLogical[wireKey] = key
	}

	if len(remaining) > 0 && c.redis != nil {
		found, err := c.redis.mget(ctx, remaining)
		if err != nil {
			c.stats.recordDegraded()
			c.emit(Event{Type: EventCacheError, Message: "redis mget failed, missing keys treated as absent", Err: err})
		} else {
			for wireKey, raw := range found {
				key := wireToLogical[wireKey]
				v, err := c.decode(key, raw)
				if err != nil {
					return nil, err
				}
				out[key] = v
			}
		}
	}
	return out, nil
}

// MSet stores every entry, each under its own TTL (0 uses
// Options.DefaultTTL).
func (c *Cache) MSet(ctx context.Context, entries []Entry) error {
	redisBatches := make(map[time.Duration]map[string][]byte)

	for _, e := range entries {
		wireKey, err := c.wireKey(e.Key)
		if err != nil {
			return err
		}
		ttl := e.TTL
		if ttl == 0 {
			ttl = c.opts.DefaultTTL
		}
		payload, err := c.encode(e.Value)
		if err != nil {
			return err
		}

		if c.opts.Strategy != StrategyRedis {
			c.memory.set(wireKey, payload, ttl)
			c.checkMemoryPressure(e.Key)
		}
		if c.opts.Strategy != StrategyMemory {
			if redisBatches[ttl] == nil {
				redisBatches[ttl] = make(map[string][]byte)
			}
			redisBatches[ttl][wireKey] = payload
		}
		if len(e.Tags) > 0 {
			c.tags.index(e.Key, e.Tags)
		}
	}

	if c.redis != nil {
		for ttl, batch := range redisBatches {
			if err := c.redis.mset(ctx, batch, ttl); err != nil {
				if c.opts.Strategy == StrategyRedis {
					return err
				}
				c.stats.recordDegraded()
				c.emit(Event{Type: EventCacheError, Message: "redis mset failed, memory tier still holds the values", Err: err})
			}
		}
	}
	c.checkHealthTransition()
	return nil
}

// Clear removes every entry from every tier.
func (c *Cache) Clear(ctx context.Context) error {
	c.memory.purge()
	if c.redis != nil {
		if err := c.redis.purge(ctx); err != nil {
			return err
		}
	}
	c.tags = newTagIndex()
	c.emit(Event{Type: EventCacheInvalidated, Message: "cache cleared"})
	return nil
}

// InvalidateTags deletes every key indexed under any of tags.
func (c *Cache) InvalidateTags(ctx context.Context, tags ...string) error {
	keys := c.tags.keysForTags(tags)
	for _, k := range keys {
		if err := c.Delete(ctx, k); err != nil {
			return err
		}
	}
	c.emit(Event{Type: EventCacheInvalidated, Message: "tag invalidation", Tags: tags, Count: len(keys)})
	return nil
}

// RotateMasterKey replaces the Cache's encryption key. Callers are
// responsible for re-encrypting or expiring entries sealed under the old
// key; this only swaps the key used for subsequent seal/open calls.
func (c *Cache) RotateMasterKey(newKey []byte) error {
	if len(newKey) == 0 {
		return xyerrors.Validation("cache: rotation requires a non-empty key")
	}
	c.seal = newSealer(newKey)
	c.opts.MasterKey = newKey
	c.emit(Event{Type: EventKeyRotation, Message: "master key rotated"})
	return nil
}

// Health returns the cache's current health snapshot.
func (c *Cache) Health() Health { return c.stats.snapshot() }

// Stats returns the cache's current health snapshot and emits
// EventMetricsCollected, for callers that poll this periodically (e.g. an
// admin endpoint or a cluster-wide metrics reporter).
func (c *Cache) Stats() Health {
	h := c.stats.snapshot()
	c.emit(Event{Type: EventMetricsCollected, Message: "stats snapshot", Count: int(h.Hits + h.Misses)})
	return h
}

// checkHealthTransition emits EventPerformanceAlert the moment Health.Status
// crosses from Healthy into Degraded/Unhealthy (or back), so alerting
// fires on the transition rather than on every subsequent operation.
func (c *Cache) checkHealthTransition() {
	status := c.stats.snapshot().Status
	c.statusMu.Lock()
	changed := status != c.lastStatus
	c.lastStatus = status
	c.statusMu.Unlock()
	if changed && status != HealthHealthy {
		c.emit(Event{Type: EventPerformanceAlert, Message: "cache health degraded to " + string(status)})
	}
}
