package ledger

import "sync"

// PackageCache maps module:entity names to the package id hosting them.
// Entries are cached indefinitely for the process lifetime.
type PackageCache struct {
	mu  sync.RWMutex
	ids map[string]string
}

// NewPackageCache creates an empty cache.
func NewPackageCache() *PackageCache {
	return &PackageCache{ids: make(map[string]string)}
}

// Get returns the cached package id for module:entity.
func (c *PackageCache) Get(module, entity string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	id, ok := c.ids[module+":"+entity]
	return id, ok
}

// Put stores a discovered package id.
func (c *PackageCache) Put(module, entity, packageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids[module+":"+entity] = packageID
}

// Len returns the number of cached entries.
func (c *PackageCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}
