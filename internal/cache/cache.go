package cache

import (
	"errors"
	"fmt"
	"sync"
)

// Well-known categories shared by the fetcher and the entity graph.
const (
	CategoryUsers           = "users"
	CategoryChannels        = "channels"
	CategoryGuilds          = "guilds"
	CategoryMessageHistory  = "message-history"
	CategoryGuildWrappers   = "guild-wrappers"
	CategoryChannelWrappers = "channel-wrappers"
)

// ErrUnknownCategory indicates an operation against a category that was never created.
var ErrUnknownCategory = errors.New("cache: unknown category")

// Cache maps (category, id) pairs to arbitrary values.
//
// Entries live until removed; there is no eviction. Operations on a category
// that does not exist report ok=false instead of failing, so callers must
// create categories before use.
type Cache struct {
	mu         sync.RWMutex
	categories map[string]map[string]any
}

// New creates an empty cache with no categories.
func New() *Cache {
	return &Cache{
		categories: make(map[string]map[string]any),
	}
}

// CreateCategory creates category or resets it to empty if it already exists.
func (c *Cache) CreateCategory(category string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.categories[category] = make(map[string]any)
}

// EnsureCategory creates category only when absent and reports whether it did.
func (c *Cache) EnsureCategory(category string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.categories[category]; exists {
		return false
	}
	c.categories[category] = make(map[string]any)

	return true
}

// HasCategory reports whether category exists.
func (c *Cache) HasCategory(category string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()

	_, exists := c.categories[category]

	return exists
}

// Get returns the value stored under (category, id).
func (c *Cache) Get(category string, id string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entries, exists := c.categories[category]
	if !exists {
		return nil, false
	}
	value, found := entries[id]

	return value, found
}

// Set stores value under (category, id) and returns it.
//
// ok is false, and nothing is stored, when category does not exist.
func (c *Cache) Set(category string, id string, value any) (stored any, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, exists := c.categories[category]
	if !exists {
		return nil, false
	}
	entries[id] = value

	return value, true
}

// Has reports whether (category, id) holds a value. Unknown categories report false.
func (c *Cache) Has(category string, id string) bool {
	_, found := c.Get(category, id)

	return found
}

// Remove deletes (category, id). It reports false only when category does not exist.
func (c *Cache) Remove(category string, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, exists := c.categories[category]
	if !exists {
		return false
	}
	delete(entries, id)

	return true
}

// LoadOrStore returns the existing value for (category, id) if present.
// Otherwise it stores value and returns it. loaded reports which case applied.
func (c *Cache) LoadOrStore(category string, id string, value any) (actual any, loaded bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, exists := c.categories[category]
	if !exists {
		return nil, false, fmt.Errorf("load or store %s/%s: %w", category, id, ErrUnknownCategory)
	}
	if existing, found := entries[id]; found {
		return existing, true, nil
	}
	entries[id] = value

	return value, false, nil
}

// Range calls fn for each entry of category over a point-in-time snapshot.
// Iteration stops when fn returns false. Order is unspecified.
func (c *Cache) Range(category string, fn func(id string, value any) bool) {
	c.mu.RLock()
	entries, exists := c.categories[category]
	if !exists {
		c.mu.RUnlock()
		return
	}
	snapshot := make(map[string]any, len(entries))
	for id, value := range entries {
		snapshot[id] = value
	}
	c.mu.RUnlock()

	for id, value := range snapshot {
		if !fn(id, value) {
			return
		}
	}
}

// Len returns the number of entries in category, or 0 when it does not exist.
func (c *Cache) Len(category string) int {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return len(c.categories[category])
}

// Lookup returns the value under (category, id) asserted to T.
// A stored value of another type reports found=false.
func Lookup[T any](c *Cache, category string, id string) (T, bool) {
	var zero T

	value, found := c.Get(category, id)
	if !found {
		return zero, false
	}
	typed, ok := value.(T)
	if !ok {
		return zero, false
	}

	return typed, true
}
