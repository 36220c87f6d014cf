package cache

import (
	"sync"
	"time"
)

// tagIndexRefresh bounds how long a tag association is trusted before it
// is dropped, so a crashed invalidation pass cannot pin entries forever.
const tagIndexRefresh = 24 * time.Hour

// tagIndex maps tags to the set of logical keys (not wire keys) tagged
// with them, so InvalidateTags can resolve "all keys for tag X" without
// scanning the backing stores.
type tagIndex struct {
	mu        sync.Mutex
	tagToKeys map[string]map[string]time.Time // tag -> key -> last-indexed time
	keyToTags map[string][]string
}

func newTagIndex() *tagIndex {
	return &tagIndex{
		tagToKeys: make(map[string]map[string]time.Time),
		keyToTags: make(map[string][]string),
	}
}

// index associates key with tags, refreshing each association's timestamp.
func (t *tagIndex) index(key string, tags []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	for _, tag := range tags {
		m, ok := t.tagToKeys[tag]
		if !ok {
			m = make(map[string]time.Time)
			t.tagToKeys[tag] = m
		}
		m[key] = now
	}
	t.keyToTags[key] = tags
}

// keysForTags returns the union of keys indexed under any of tags,
// pruning associations older than tagIndexRefresh as it goes.
func (t *tagIndex) keysForTags(tags []string) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	seen := make(map[string]struct{})
	var out []string
	for _, tag := range tags {
		m, ok := t.tagToKeys[tag]
		if !ok {
			continue
		}
		for key, at := range m {
			if now.Sub(at) > tagIndexRefresh {
				delete(m, key)
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, key)
		}
	}
	return out
}

// forget removes key from every tag it was associated with, called on
// Delete so the index never outlives its entry.
func (t *tagIndex) forget(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, tag := range t.keyToTags[key] {
		if m, ok := t.tagToKeys[tag]; ok {
			delete(m, key)
		}
	}
	delete(t.keyToTags, key)
}
