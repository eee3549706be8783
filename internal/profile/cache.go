// Package profile loads organization profiles and keeps recently used ones in memory.
package profile

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/groupcache/lru"
	"github.com/google/uuid"

	"github.com/david/grant-matcher/internal/models"
)

// ErrNotFound is returned by loaders for unknown profile ids.
var ErrNotFound = errors.New("profile not found")

// Loader fetches a profile from its backing store.
type Loader interface {
	GetProfile(ctx context.Context, id uuid.UUID) (models.Profile, error)
}

// LoaderFunc adapts a function to the Loader interface.
type LoaderFunc func(ctx context.Context, id uuid.UUID) (models.Profile, error)

func (f LoaderFunc) GetProfile(ctx context.Context, id uuid.UUID) (models.Profile, error) {
	return f(ctx, id)
}

// Cache is a bounded LRU of profiles in front of a Loader. It is safe for
// concurrent use; lru.Cache itself is not.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache
	loader Loader

	// loading counts in-flight loads per id; stale marks ids invalidated
	// while one of those loads was running.
	loading map[uuid.UUID]int
	stale   map[uuid.UUID]bool

	hits, misses uint64
}

func NewCache(capacity int, loader Loader) *Cache {
	if capacity <= 0 {
		capacity = 128
	}
	return &Cache{
		lru:     lru.New(capacity),
		loader:  loader,
		loading: make(map[uuid.UUID]int),
		stale:   make(map[uuid.UUID]bool),
	}
}

// Get returns the cached profile or loads and caches it. A load that races
// with Invalidate for the same id is returned but not cached.
func (c *Cache) Get(ctx context.Context, id uuid.UUID) (models.Profile, error) {
	c.mu.Lock()
	if v, ok := c.lru.Get(id); ok {
		c.hits++
		c.mu.Unlock()
		return v.(models.Profile), nil
	}
	c.misses++
	c.loading[id]++
	c.mu.Unlock()

	p, err := c.loader.GetProfile(ctx, id)

	c.mu.Lock()
	defer c.mu.Unlock()
	invalidated := c.stale[id]
	c.loading[id]--
	if c.loading[id] == 0 {
		delete(c.loading, id)
		delete(c.stale, id)
	}
	if err != nil {
		return models.Profile{}, err
	}
	if !invalidated {
		c.lru.Add(id, p)
	}
	return p, nil
}

func (c *Cache) Put(p models.Profile) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Add(p.ID, p)
}

// Invalidate drops a profile after it was updated or deleted. Loads of the
// same id already in flight will not repopulate the cache.
func (c *Cache) Invalidate(id uuid.UUID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(id)
	if c.loading[id] > 0 {
		c.stale[id] = true
	}
}

func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Stats returns hit and miss counts since creation.
func (c *Cache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}
