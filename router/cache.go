package router

import "sync"

// predictiveCache memoizes recent (method, path) resolutions so repeated
// hits on hot routes skip the trie descent entirely (spec §4.1 predictive
// cache). Admission requires a path to be looked up at least three times
// before it is cached, and eviction removes the single least-accessed
// entry once the cache is full — both per spec.
type predictiveCache struct {
	mu       sync.Mutex
	limit    int
	pending  map[string]int // key -> observed lookup count, pre-admission
	entries  map[string]*cacheEntry
}

type cacheEntry struct {
	route   *Route
	params  map[string]string
	hits    int
}

const (
	predictiveCacheLimit    = 1000
	predictiveAdmitAfter    = 3
)

func newPredictiveCache() *predictiveCache {
	return &predictiveCache{
		limit:   predictiveCacheLimit,
		pending: make(map[string]int),
		entries: make(map[string]*cacheEntry),
	}
}

func cacheKey(method, path string) string { return method + " " + path }

// lookup returns a cached route and a copy of its captured params, if
// admitted and present.
func (c *predictiveCache) lookup(method, path string) (*Route, map[string]string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[cacheKey(method, path)]
	if !ok {
		return nil, nil, false
	}
	e.hits++
	cp := make(map[string]string, len(e.params))
	for k, v := range e.params {
		cp[k] = v
	}
	return e.route, cp, true
}

// observe records a resolution that missed the cache. Once a key has been
// observed predictiveAdmitAfter times it is admitted, evicting the
// least-accessed entry first if the cache is at capacity.
func (c *predictiveCache) observe(method, path string, route *Route, params map[string]string) {
	key := cacheKey(method, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, cached := c.entries[key]; cached {
		return
	}
	c.pending[key]++
	if c.pending[key] < predictiveAdmitAfter {
		return
	}
	delete(c.pending, key)
	if len(c.entries) >= c.limit {
		c.evictLeastAccessedLocked()
	}
	cp := make(map[string]string, len(params))
	for k, v := range params {
		cp[k] = v
	}
	c.entries[key] = &cacheEntry{route: route, params: cp}
}

// invalidate drops a route from both the pending and admitted tables, used
// when a route is removed so stale matches are never served.
func (c *predictiveCache) invalidate(method, path string) {
	key := cacheKey(method, path)
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, key)
	delete(c.entries, key)
}

func (c *predictiveCache) evictLeastAccessedLocked() {
	var worstKey string
	worstHits := -1
	for k, e := range c.entries {
		if worstHits == -1 || e.hits < worstHits {
			worstHits = e.hits
			worstKey = k
		}
	}
	if worstKey != "" {
		delete(c.entries, worstKey)
	}
}

// size reports the number of admitted entries, for diagnostics.
func (c *predictiveCache) size() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
