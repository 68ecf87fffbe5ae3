// Package instance pools heavyweight per-project engine handles behind an
// LRU cache with idle expiry. Builds are expensive (storage clients, network
// handshakes), so concurrent requests for the same project share one build.
package instance

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"ragforge.dev/internal/obs"
	"ragforge.dev/internal/provider"
)

var (
	// ErrConfigMissing is returned when the project has no provider
	// configuration. The miss is never cached.
	ErrConfigMissing = errors.New("instance: provider configuration missing")

	// ErrShutdown is returned by Get after Shutdown has run.
	ErrShutdown = errors.New("instance: cache is shut down")
)

const (
	DefaultMaxInstances = 50
	DefaultTTL          = 30 * time.Minute
)

// Resource is one finalizable part of a handle.
type Resource interface {
	Name() string
	Finalize(ctx context.Context) error
}

// Handle is a live engine instance. Resources lists everything teardown must
// finalize, in order.
type Handle interface {
	Resources() []Resource
}

// Builder constructs a handle from a resolved provider config.
type Builder func(ctx context.Context, cfg *provider.Config) (Handle, error)

// ConfigResolver loads a project's provider config. Satisfied by
// *provider.Service.
type ConfigResolver interface {
	Resolve(ctx context.Context, tenantID, projectID string) (*provider.Config, error)
}

type entry struct {
	key        string
	tenantID   string
	projectID  string
	handle     Handle
	lastAccess time.Time
	elem       *list.Element
}

// EntryStats is a point-in-time view of one cached instance.
type EntryStats struct {
	TenantID   string
	ProjectID  string
	LastAccess time.Time
}

// Stats is a point-in-time view of the cache.
type Stats struct {
	Active  int
	Max     int
	TTL     time.Duration
	Entries []EntryStats
}

// Cache owns per-(tenant, project) handles with LRU eviction and idle TTL.
//
// The mutex guards only the index and recency list; builds run outside it
// under a per-key single-flight group, so a slow build for one project never
// blocks access to others. An entry found past its TTL is finalized and
// rebuilt on the spot.
type Cache struct {
	resolver ConfigResolver
	build    Builder
	max      int
	ttl      time.Duration
	now      func() time.Time

	group singleflight.Group

	mu       sync.Mutex
	entries  map[string]*entry
	order    *list.List // front = most recently used
	shutdown bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithMaxInstances caps the number of live handles.
func WithMaxInstances(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.max = n
		}
	}
}

// WithTTL sets the idle expiry for handles.
func WithTTL(d time.Duration) Option {
	return func(c *Cache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(c *Cache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// New constructs a Cache.
func New(resolver ConfigResolver, build Builder, opts ...Option) (*Cache, error) {
	if resolver == nil {
		return nil, errors.New("instance: config resolver is required")
	}
	if build == nil {
		return nil, errors.New("instance: builder is required")
	}
	c := &Cache{
		resolver: resolver,
		build:    build,
		max:      DefaultMaxInstances,
		ttl:      DefaultTTL,
		now:      time.Now,
		entries:  make(map[string]*entry),
		order:    list.New(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func cacheKey(tenantID, projectID string) string {
	return tenantID + "/" + projectID
}

// Get returns the handle for (tenantID, projectID), building it if absent or
// idle-expired. Concurrent calls for the same key during a build share one
// builder invocation. A missing provider config returns ErrConfigMissing
// without caching anything, so a later call sees newly added configuration.
func (c *Cache) Get(ctx context.Context, tenantID, projectID string) (Handle, error) {
	key := cacheKey(tenantID, projectID)

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil, ErrShutdown
	}
	if e, ok := c.entries[key]; ok {
		if c.now().Sub(e.lastAccess) <= c.ttl {
			e.lastAccess = c.now()
			c.order.MoveToFront(e.elem)
			c.mu.Unlock()
			obs.CacheHit()
			return e.handle, nil
		}
		// Idle too long: drop it and fall through to a rebuild.
		c.removeLocked(e)
		c.mu.Unlock()
		obs.CacheEviction("ttl")
		c.finalizeHandle(context.WithoutCancel(ctx), e.tenantID, e.projectID, e.handle)
	} else {
		c.mu.Unlock()
	}
	obs.CacheMiss()

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another flight member may have finished the build already.
		c.mu.Lock()
		if c.shutdown {
			c.mu.Unlock()
			return nil, ErrShutdown
		}
		if e, ok := c.entries[key]; ok && c.now().Sub(e.lastAccess) <= c.ttl {
			e.lastAccess = c.now()
			c.order.MoveToFront(e.elem)
			c.mu.Unlock()
			return e.handle, nil
		}
		c.mu.Unlock()

		cfg, err := c.resolver.Resolve(ctx, tenantID, projectID)
		if err != nil {
			if errors.Is(err, provider.ErrNotFound) {
				return nil, fmt.Errorf("%w: %s/%s", ErrConfigMissing, tenantID, projectID)
			}
			return nil, err
		}
		h, err := c.build(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("instance: building %s/%s: %w", tenantID, projectID, err)
		}
		c.insert(ctx, key, tenantID, projectID, h)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(Handle), nil
}

func (c *Cache) insert(ctx context.Context, key, tenantID, projectID string, h Handle) {
	var evicted *entry

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		c.finalizeHandle(context.WithoutCancel(ctx), tenantID, projectID, h)
		return
	}
	e := &entry{
		key:        key,
		tenantID:   tenantID,
		projectID:  projectID,
		handle:     h,
		lastAccess: c.now(),
	}
	e.elem = c.order.PushFront(e)
	c.entries[key] = e
	if len(c.entries) > c.max {
		if back := c.order.Back(); back != nil {
			evicted = back.Value.(*entry)
			c.removeLocked(evicted)
		}
	}
	obs.CacheSize(len(c.entries))
	c.mu.Unlock()

	if evicted != nil {
		obs.CacheEviction("lru")
		c.finalizeHandle(context.WithoutCancel(ctx), evicted.tenantID, evicted.projectID, evicted.handle)
	}
}

// removeLocked unlinks an entry from the index and recency list. Caller
// holds c.mu.
func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.order.Remove(e.elem)
	obs.CacheSize(len(c.entries))
}

// Remove finalizes and drops one entry, if present.
func (c *Cache) Remove(ctx context.Context, tenantID, projectID string) {
	key := cacheKey(tenantID, projectID)
	c.mu.Lock()
	e, ok := c.entries[key]
	if ok {
		c.removeLocked(e)
	}
	c.mu.Unlock()
	if ok {
		c.finalizeHandle(ctx, e.tenantID, e.projectID, e.handle)
	}
}

// RemoveExpired sweeps out every idle-expired entry and returns how many
// were removed.
func (c *Cache) RemoveExpired(ctx context.Context) int {
	now := c.now()
	var expired []*entry

	c.mu.Lock()
	for _, e := range c.entries {
		if now.Sub(e.lastAccess) > c.ttl {
			expired = append(expired, e)
		}
	}
	for _, e := range expired {
		c.removeLocked(e)
	}
	c.mu.Unlock()

	for _, e := range expired {
		obs.CacheEviction("ttl")
		c.finalizeHandle(ctx, e.tenantID, e.projectID, e.handle)
	}
	return len(expired)
}

// Shutdown finalizes every entry and rejects further gets. It is safe to
// call more than once; only the first call drains.
func (c *Cache) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return
	}
	c.shutdown = true
	drained := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		drained = append(drained, e)
	}
	c.entries = make(map[string]*entry)
	c.order.Init()
	obs.CacheSize(0)
	c.mu.Unlock()

	for _, e := range drained {
		obs.CacheEviction("shutdown")
		c.finalizeHandle(ctx, e.tenantID, e.projectID, e.handle)
	}
}

// Stats snapshots the cache.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		Active:  len(c.entries),
		Max:     c.max,
		TTL:     c.ttl,
		Entries: make([]EntryStats, 0, len(c.entries)),
	}
	for elem := c.order.Front(); elem != nil; elem = elem.Next() {
		e := elem.Value.(*entry)
		st.Entries = append(st.Entries, EntryStats{
			TenantID:   e.tenantID,
			ProjectID:  e.projectID,
			LastAccess: e.lastAccess,
		})
	}
	return st
}

// finalizeHandle walks the handle's resource manifest. Failures are logged
// and never block removal.
func (c *Cache) finalizeHandle(ctx context.Context, tenantID, projectID string, h Handle) {
	for _, r := range h.Resources() {
		if err := r.Finalize(ctx); err != nil {
			obs.Warn("instance resource finalize failed", map[string]any{
				"tenant_id":  tenantID,
				"project_id": projectID,
				"resource":   r.Name(),
				"error":      err.Error(),
			})
		}
	}
}
