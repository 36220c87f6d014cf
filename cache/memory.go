package cache

import (
	"path"
	"sync"
	"time"

	expirable "github.com/go-pkgz/expirable-cache/v3"
)

// memoryTier is the in-process cache tier, backed by an LRU with per-entry
// TTL. It also tracks a short-lived access counter per key so the hybrid
// strategy can detect "hot" Redis-tier entries worth promoting.
type memoryTier struct {
	cache    *expirable.Cache[string, []byte]
	capacity int

	mu        sync.Mutex
	accessLog map[string]*accessWindow
	expiresAt map[string]time.Time
}

type accessWindow struct {
	count     int
	windowEnd time.Time
}

func newMemoryTier(capacity int) *memoryTier {
	c := expirable.NewCache[string, []byte]().WithMaxKeys(capacity)
	return &memoryTier{
		cache:     c,
		capacity:  capacity,
		accessLog: make(map[string]*accessWindow),
		expiresAt: make(map[string]time.Time),
	}
}

func (m *memoryTier) get(key string) ([]byte, bool) {
	return m.cache.Get(key)
}

func (m *memoryTier) set(key string, value []byte, ttl time.Duration) {
	m.cache.Set(key, value, ttl)
	m.mu.Lock()
	m.expiresAt[key] = time.Now().Add(ttl)
	m.mu.Unlock()
}

func (m *memoryTier) delete(key string) {
	m.cache.Remove(key)
	m.mu.Lock()
	delete(m.accessLog, key)
	delete(m.expiresAt, key)
	m.mu.Unlock()
}

// exists reports whether key is present and unexpired.
func (m *memoryTier) exists(key string) bool {
	_, ok := m.cache.Get(key)
	return ok
}

// ttl reports the remaining time-to-live for key, or ok=false if the key
// isn't present.
func (m *memoryTier) ttl(key string) (time.Duration, bool) {
	if _, ok := m.cache.Get(key); !ok {
		return 0, false
	}
	m.mu.Lock()
	exp, ok := m.expiresAt[key]
	m.mu.Unlock()
	if !ok {
		return 0, false
	}
	remaining := time.Until(exp)
	if remaining < 0 {
		remaining = 0
	}
	return remaining, true
}

// expire overwrites key's remaining TTL in place, re-setting its value so
// the underlying expirable.Cache reschedules eviction.
func (m *memoryTier) expire(key string, ttl time.Duration) bool {
	v, ok := m.cache.Get(key)
	if !ok {
		return false
	}
	m.set(key, v, ttl)
	return true
}

// keys returns every key currently held whose full wire key matches the
// shell-style pattern (path.Match semantics); the caller prefixes the
// pattern with "XyPriss:v2:<digest>:" and strips that prefix from the
// results.
func (m *memoryTier) keys(pattern string) []string {
	var out []string
	for _, k := range m.cache.Keys() {
		if ok, _ := path.Match(pattern, k); ok {
			out = append(out, k)
		}
	}
	return out
}

// purge clears every entry from the tier.
func (m *memoryTier) purge() {
	m.cache.Purge()
	m.mu.Lock()
	m.accessLog = make(map[string]*accessWindow)
	m.expiresAt = make(map[string]time.Time)
	m.mu.Unlock()
}

// recordAccessAndShouldPromote increments key's access counter within a
// rolling window and reports whether it just crossed threshold. The
// window resets once it elapses, so sustained-but-sparse access never
// accumulates into a false promotion.
func (m *memoryTier) recordAccessAndShouldPromote(key string, threshold int, window time.Duration) bool {
	now := time.Now()
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.accessLog[key]
	if !ok || now.After(w.windowEnd) {
		w = &accessWindow{windowEnd: now.Add(window)}
		m.accessLog[key] = w
	}
	w.count++
	return w.count == threshold
}

// size reports the current entry count, for diagnostics.
func (m *memoryTier) size() int {
	return m.cache.Len()
}
