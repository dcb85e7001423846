package loom

import (
	"fmt"
	"strings"
	"sync"
)

// identityKey builds the cache key for a (model, primary key) pair.
// Composite key values are joined with a literal "|". Known limitation:
// a key component that itself contains "|" is not disambiguated from a
// neighboring component.
func identityKey(model string, pk []any) string {
	parts := make([]string, len(pk))
	for i, v := range pk {
		parts[i] = fmt.Sprint(v)
	}
	return model + ":" + strings.Join(parts, "|")
}

// IdentityCache guarantees at most one live entity per (model, primary
// key) pair within a session. It is consulted on every hydration and on
// relation resolution. Guarded by a mutex so a client may be shared
// across goroutines.
type IdentityCache struct {
	mu      sync.RWMutex
	entries map[string]*Entity
}

// NewIdentityCache returns an empty identity cache.
func NewIdentityCache() *IdentityCache {
	return &IdentityCache{entries: make(map[string]*Entity)}
}

// Get returns the canonical entity for the key, if present.
func (c *IdentityCache) Get(key string) (*Entity, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return e, ok
}

// Has reports whether the key has a canonical entity.
func (c *IdentityCache) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.entries[key]
	return ok
}

// Set records the canonical entity for the key.
func (c *IdentityCache) Set(key string, e *Entity) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = e
}

// Unset drops the entry for the key.
func (c *IdentityCache) Unset(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}

// Flush drops all entries.
func (c *IdentityCache) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entity)
}

// Len returns the number of cached entities.
func (c *IdentityCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
