package vault

import (
	"sync"
	"time"
)

// commandCache holds resolved command-credential secrets until expiry.
// It is owned by a single Vault instance and injected at construction,
// never shared module-wide.
type commandCache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
}

func newCommandCache() *commandCache {
	return &commandCache{entries: make(map[string]cacheEntry)}
}

func (c *commandCache) get(id string, now time.Time) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		return "", false
	}
	if now.After(e.expires) {
		delete(c.entries, id)
		return "", false
	}
	return e.value, true
}

func (c *commandCache) put(id, value string, expires time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[id] = cacheEntry{value: value, expires: expires}
}

func (c *commandCache) invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}
