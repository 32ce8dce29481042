package cache

import (
	"context"

	"golang.org/x/sync/singleflight"

	"github.com/kbukum/runkit/graph"
	"github.com/kbukum/runkit/logger"
)

// Default limits for the routine definition namespace.
const (
	DefaultDefinitionMaxEntries = 1000
	DefaultDefinitionMaxBytes   = 1 << 20
)

// DefinitionConfig configures a DefinitionCache.
type DefinitionConfig struct {
	Limits Limits `yaml:"limits" mapstructure:"limits"`
}

// ApplyDefaults fills zero limits with the definition defaults.
func (c *DefinitionConfig) ApplyDefaults() {
	if c.Limits.MaxEntries == 0 {
		c.Limits.MaxEntries = DefaultDefinitionMaxEntries
	}
	if c.Limits.MaxTotalBytes == 0 {
		c.Limits.MaxTotalBytes = DefaultDefinitionMaxBytes
	}
}

// CheckFunc runs extra validation on a freshly loaded version before it is
// cached; a non-nil error keeps the version out of the cache.
type CheckFunc func(*graph.RoutineVersion) error

// DefinitionCache serves routine versions from an LRU, loading misses from
// a graph.Store. Concurrent misses for one id share a single load.
type DefinitionCache struct {
	store graph.Store
	lru   *LRU[string, *graph.RoutineVersion]
	group singleflight.Group
	check CheckFunc
	log   *logger.Logger
}

// DefinitionOption customizes a DefinitionCache.
type DefinitionOption func(*DefinitionCache)

// WithCheck installs a post-load validation hook.
func WithCheck(fn CheckFunc) DefinitionOption {
	return func(c *DefinitionCache) { c.check = fn }
}

// WithLogger sets the cache logger.
func WithLogger(log *logger.Logger) DefinitionOption {
	return func(c *DefinitionCache) { c.log = log }
}

// NewDefinitionCache creates a cache in front of store.
func NewDefinitionCache(store graph.Store, cfg DefinitionConfig, opts ...DefinitionOption) *DefinitionCache {
	cfg.ApplyDefaults()
	c := &DefinitionCache{
		store: store,
		lru:   NewLRU[string, *graph.RoutineVersion](cfg.Limits),
		log:   logger.Nop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.WithComponent("definition-cache")
	c.lru.OnEvict(func(id string, rv *graph.RoutineVersion) {
		c.log.Debug("evicted routine version", logger.Fields(logger.FieldVersionID, id, "size_bytes", rv.SizeBytes()))
	})
	return c
}

// Get returns the routine version for id, loading it on a miss.
// Load errors, including NOT_FOUND, are not cached.
func (c *DefinitionCache) Get(ctx context.Context, id string) (*graph.RoutineVersion, error) {
	if rv, ok := c.lru.Get(id); ok {
		return rv, nil
	}

	// The load outlives any single caller; each caller stops waiting when
	// its own ctx ends.
	loadCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(id, func() (interface{}, error) {
		if rv, ok := c.lru.Peek(id); ok {
			return rv, nil
		}
		rv, err := c.store.LoadRoutineVersion(loadCtx, id)
		if err != nil {
			return nil, err
		}
		if c.check != nil {
			if err := c.check(rv); err != nil {
				return nil, err
			}
		}
		if !c.lru.Put(id, rv, rv.SizeBytes()) {
			c.log.Warn("routine version larger than cache capacity", logger.Fields(logger.FieldVersionID, id, "size_bytes", rv.SizeBytes()))
		}
		return rv, nil
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		if res.Shared {
			c.log.Debug("coalesced routine version load", logger.Fields(logger.FieldVersionID, id))
		}
		return res.Val.(*graph.RoutineVersion), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Invalidate drops id from the cache.
func (c *DefinitionCache) Invalidate(id string) { c.lru.Remove(id) }

// Stats returns cache counters.
func (c *DefinitionCache) Stats() Stats { return c.lru.Stats() }

// Len returns the number of cached versions.
func (c *DefinitionCache) Len() int { return c.lru.Len() }

// TotalBytes returns the aggregate size of cached versions.
func (c *DefinitionCache) TotalBytes() int64 { return c.lru.TotalBytes() }
