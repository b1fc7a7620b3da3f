package httpapi

import (
	"sync"
	"time"

	"horse.fit/newswire/internal/globaltime"
)

// responseCache memoizes rendered feed pages for a short TTL. Keys embed the
// full query shape, so a stale entry can only ever be stale, not wrong.
type responseCache struct {
	ttl     time.Duration
	mu      sync.Mutex
	entries map[string]cacheEntry
}

type cacheEntry struct {
	data    any
	expires time.Time
}

func newResponseCache(ttl time.Duration) *responseCache {
	return &responseCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (rc *responseCache) get(key string) (any, bool) {
	now := globaltime.UTC()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	entry, ok := rc.entries[key]
	if !ok || now.After(entry.expires) {
		return nil, false
	}
	return entry.data, true
}

func (rc *responseCache) put(key string, data any) {
	now := globaltime.UTC()
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for k, entry := range rc.entries {
		if now.After(entry.expires) {
			delete(rc.entries, k)
		}
	}
	rc.entries[key] = cacheEntry{data: data, expires: now.Add(rc.ttl)}
}
