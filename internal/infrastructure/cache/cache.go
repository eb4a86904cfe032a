// Package cache memoizes derived artifacts per (student, fingerprint, kind).
//
// Entries live in a bounded LRU. Concurrent requests for the same key share
// one computation, which runs detached from the callers' cancellation: a
// caller that gives up gets its context error while the others still receive
// the result. An optional second level Store (Redis in production) is
// consulted before computing and written after; its failures are logged and
// never fail a request.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/alem-hub/progress-engine/pkg/logger"
)

// DefaultCapacity is used when Options.Capacity is not positive.
const DefaultCapacity = 4096

// ErrMiss is returned by a Store that holds no value for a key.
var ErrMiss = errors.New("cache: miss")

// Key identifies one memoized artifact.
type Key struct {
	StudentID   string
	Fingerprint string
	Kind        string
}

func (k Key) String() string {
	return k.StudentID + "|" + k.Kind + "|" + k.Fingerprint
}

// Clock is the time source for entry age.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Store is a shared second level keyed like the local table.
type Store interface {
	Get(ctx context.Context, key Key) ([]byte, error)
	Set(ctx context.Context, key Key, value []byte, ttl time.Duration) error
	DeleteStudent(ctx context.Context, studentID string) error
}

// Options configures a Cache.
type Options struct {
	Capacity int
	// MaxAge bounds how long an entry is served. Zero disables aging.
	MaxAge   time.Duration
	Clock    Clock
	Store    Store
	StoreTTL time.Duration
	Logger   *logger.Logger
}

// Stats is a snapshot of the cache counters.
type Stats struct {
	Hits         int64 `json:"hits"`
	Misses       int64 `json:"misses"`
	Computations int64 `json:"computations"`
	Evictions    int64 `json:"evictions"`
	Shared       int64 `json:"shared"`
	L2Hits       int64 `json:"l2_hits"`
	L2Errors     int64 `json:"l2_errors"`
	Entries      int   `json:"entries"`
}

type entry struct {
	value    any
	storedAt time.Time
	gen      uint64
	epoch    uint64
}

// Cache is safe for concurrent use.
type Cache struct {
	lru   *lru.Cache[Key, entry]
	group singleflight.Group
	opts  Options
	log   *logger.Logger

	// mu guards the per-student index and the generation counters. It is
	// never held while calling into the LRU, whose evict callback takes it.
	mu          sync.Mutex
	byStudent   map[string]map[Key]struct{}
	generations map[string]uint64
	epoch       uint64

	hits         atomic.Int64
	misses       atomic.Int64
	computations atomic.Int64
	evictions    atomic.Int64
	shared       atomic.Int64
	l2Hits       atomic.Int64
	l2Errors     atomic.Int64
}

// New creates a cache.
func New(opts Options) (*Cache, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxAge < 0 {
		return nil, fmt.Errorf("cache: negative max age %s", opts.MaxAge)
	}
	if opts.Clock == nil {
		opts.Clock = systemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = logger.Nop()
	}

	c := &Cache{
		opts:        opts,
		log:         opts.Logger.With(logger.Component("cache")),
		byStudent:   make(map[string]map[Key]struct{}),
		generations: make(map[string]uint64),
	}
	l, err := lru.NewWithEvict[Key, entry](opts.Capacity, c.onEvict)
	if err != nil {
		return nil, fmt.Errorf("cache: %w", err)
	}
	c.lru = l
	return c, nil
}

// GetOrCompute returns the artifact for key, computing it with fn at most
// once across concurrent callers. Errors are never cached.
func GetOrCompute[T any](ctx context.Context, c *Cache, key Key, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	if v, ok := c.lookup(key); ok {
		if t, ok := v.(T); ok {
			return t, nil
		}
	}
	c.misses.Add(1)

	gen, epoch := c.generation(key.StudentID)
	flight := fmt.Sprintf("%s#%d.%d", key, epoch, gen)

	ch := c.group.DoChan(flight, func() (any, error) {
		detached := context.WithoutCancel(ctx)

		if v, ok := loadStore[T](detached, c, key); ok {
			c.put(key, v, gen, epoch)
			return v, nil
		}

		c.computations.Add(1)
		v, err := fn(detached)
		if err != nil {
			return nil, err
		}
		c.put(key, v, gen, epoch)
		c.save(detached, key, v)
		return v, nil
	})

	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case res := <-ch:
		if res.Shared {
			c.shared.Add(1)
		}
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(T), nil
	}
}

// InvalidateStudent drops every local entry of the student and its entries
// in the Store. Computations already running for the student finish but
// their results are not served.
func (c *Cache) InvalidateStudent(ctx context.Context, studentID string) {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.byStudent[studentID]))
	for k := range c.byStudent[studentID] {
		keys = append(keys, k)
	}
	delete(c.byStudent, studentID)
	c.generations[studentID]++
	c.mu.Unlock()

	for _, k := range keys {
		c.lru.Remove(k)
	}

	if c.opts.Store != nil {
		if err := c.opts.Store.DeleteStudent(ctx, studentID); err != nil {
			c.l2Errors.Add(1)
			c.log.Warn("store invalidation failed", logger.StudentID(studentID), logger.Err(err))
		}
	}
	c.log.Debug("student invalidated", logger.StudentID(studentID), logger.Int("entries", len(keys)))
}

// Purge drops every local entry. Store entries are keyed by fingerprints
// that carry the policy version, so a policy reload leaves them unreachable.
func (c *Cache) Purge() {
	c.mu.Lock()
	c.epoch++
	c.byStudent = make(map[string]map[Key]struct{})
	c.mu.Unlock()

	c.lru.Purge()
	c.log.Info("cache purged")
}

// Stats returns the current counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Hits:         c.hits.Load(),
		Misses:       c.misses.Load(),
		Computations: c.computations.Load(),
		Evictions:    c.evictions.Load(),
		Shared:       c.shared.Load(),
		L2Hits:       c.l2Hits.Load(),
		L2Errors:     c.l2Errors.Load(),
		Entries:      c.lru.Len(),
	}
}

func (c *Cache) generation(studentID string) (uint64, uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.generations[studentID], c.epoch
}

func (c *Cache) lookup(key Key) (any, bool) {
	e, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}

	gen, epoch := c.generation(key.StudentID)
	stale := e.gen != gen || e.epoch != epoch
	expired := c.opts.MaxAge > 0 && c.opts.Clock.Now().Sub(e.storedAt) > c.opts.MaxAge
	if stale || expired {
		c.lru.Remove(key)
		return nil, false
	}

	c.hits.Add(1)
	return e.value, true
}

// put stores v unless the student was invalidated since gen was taken.
func (c *Cache) put(key Key, v any, gen, epoch uint64) {
	c.mu.Lock()
	if c.generations[key.StudentID] != gen || c.epoch != epoch {
		c.mu.Unlock()
		return
	}
	idx := c.byStudent[key.StudentID]
	if idx == nil {
		idx = make(map[Key]struct{})
		c.byStudent[key.StudentID] = idx
	}
	idx[key] = struct{}{}
	c.mu.Unlock()

	if evicted := c.lru.Add(key, entry{value: v, storedAt: c.opts.Clock.Now(), gen: gen, epoch: epoch}); evicted {
		c.evictions.Add(1)
	}
}

// onEvict runs for evictions, removals and purges alike.
func (c *Cache) onEvict(key Key, _ entry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if idx := c.byStudent[key.StudentID]; idx != nil {
		delete(idx, key)
		if len(idx) == 0 {
			delete(c.byStudent, key.StudentID)
		}
	}
}

func loadStore[T any](ctx context.Context, c *Cache, key Key) (T, bool) {
	var v T
	if c.opts.Store == nil {
		return v, false
	}

	data, err := c.opts.Store.Get(ctx, key)
	switch {
	case errors.Is(err, ErrMiss):
		return v, false
	case err != nil:
		c.l2Errors.Add(1)
		c.log.Warn("store read failed", logger.StudentID(key.StudentID), logger.ArtifactKind(key.Kind), logger.Err(err))
		return v, false
	}

	if err := json.Unmarshal(data, &v); err != nil {
		c.l2Errors.Add(1)
		c.log.Warn("store value undecodable", logger.StudentID(key.StudentID), logger.ArtifactKind(key.Kind), logger.Err(err))
		return v, false
	}
	c.l2Hits.Add(1)
	return v, true
}

func (c *Cache) save(ctx context.Context, key Key, v any) {
	if c.opts.Store == nil {
		return
	}
	data, err := json.Marshal(v)
	if err == nil {
		err = c.opts.Store.Set(ctx, key, data, c.opts.StoreTTL)
	}
	if err != nil {
		c.l2Errors.Add(1)
		c.log.Warn("store write failed", logger.StudentID(key.StudentID), logger.ArtifactKind(key.Kind), logger.Err(err))
	}
}
