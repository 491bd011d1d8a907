// Package assets handles read-only fetches from the static asset host and
// caches the raw bytes.
package assets

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Faultbox/l2dview/internal/logger"
)

// ErrAssetLoadFailed is returned (wrapped in a *LoadError) when an asset
// cannot be fetched or parsed.
var ErrAssetLoadFailed = errors.New("asset load failed")

// LoadError describes a failed fetch of one asset.
type LoadError struct {
	Path string
	Err  error
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("load %s: %v", e.Path, e.Err)
}

func (e *LoadError) Unwrap() []error {
	return []error{ErrAssetLoadFailed, e.Err}
}

// Source reads one asset by path.
type Source interface {
	Fetch(ctx context.Context, path string) ([]byte, error)
}

// Manager fetches assets through a Source and keeps them in a Cache.
type Manager struct {
	source      Source
	cache       *Cache
	parallelism int
}

// NewManager creates a new asset manager. parallelism bounds FetchAll.
func NewManager(source Source, parallelism int) *Manager {
	if parallelism <= 0 {
		parallelism = 4
	}
	return &Manager{
		source:      source,
		cache:       NewCache(),
		parallelism: parallelism,
	}
}

// Load fetches a single asset, serving repeated paths from the cache.
func (m *Manager) Load(ctx context.Context, p string) ([]byte, error) {
	p = Clean(p)
	if data, ok := m.cache.Get(p); ok {
		return data, nil
	}

	data, err := m.source.Fetch(ctx, p)
	if err != nil {
		logger.Debug("asset fetch failed", zap.String("path", p), zap.Error(err))
		return nil, &LoadError{Path: p, Err: err}
	}

	m.cache.Set(p, data)
	return data, nil
}

// FetchAll loads every path concurrently. The result is in input order.
// The first failure cancels the remaining fetches and is returned.
func (m *Manager) FetchAll(ctx context.Context, paths []string) ([][]byte, error) {
	out := make([][]byte, len(paths))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.parallelism)
	for i, p := range paths {
		g.Go(func() error {
			data, err := m.Load(gctx, p)
			if err != nil {
				return err
			}
			out[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// Forget drops cached bytes for the given paths, e.g. after they were
// uploaded to the GPU and the CPU copy is no longer useful.
func (m *Manager) Forget(paths ...string) {
	for _, p := range paths {
		m.cache.Delete(Clean(p))
	}
}

// Cache returns the manager's byte cache.
func (m *Manager) Cache() *Cache {
	return m.cache
}

// Close drops all cached data.
func (m *Manager) Close() {
	m.cache.Clear()
}

// Clean normalizes an asset path to slash form without a leading "./".
func Clean(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean(p)
	return strings.TrimPrefix(p, "./")
}

// Join resolves ref relative to the directory of base, the way model
// settings reference their textures and expressions.
func Join(base, ref string) string {
	return Clean(path.Join(path.Dir(Clean(base)), ref))
}

// Cache is a simple in-memory cache for loaded assets.
type Cache struct {
	data map[string][]byte
	mu   sync.RWMutex

	// Stats
	hits   int
	misses int
}

// NewCache creates a new cache.
func NewCache() *Cache {
	return &Cache{
		data: make(map[string][]byte),
	}
}

// Get retrieves an item from cache.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, ok := c.data[key]
	if ok {
		c.hits++
	} else {
		c.misses++
	}
	return data, ok
}

// Set stores an item in cache.
func (c *Cache) Set(key string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = data
}

// Delete removes an item from cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
}

// Clear clears the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data = make(map[string][]byte)
	c.hits = 0
	c.misses = 0
}

// Stats returns cache statistics.
func (c *Cache) Stats() (hits, misses int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hits, c.misses
}
