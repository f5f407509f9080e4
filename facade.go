// Package cachekit implements the Cache Facade (spec.md §4.6): a uniform
// set of operations that validate the key, ask the Engine Selector for the
// best engine, dispatch, and translate engine-level faults into the
// soft-fail policy from §7.
//
// The facade's shape — a small struct wrapping one dispatch target plus a
// Prometheus MetricSet and a singleflight.Group for dedup — is grounded on
// dcache's Client/NewCache/Get/Set, generalized from "one Redis client" to
// "whatever engine the selector currently prefers".
package cachekit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/singleflight"

	"github.com/rs/zerolog/log"

	"github.com/stumble/cachekit/enginecore"
	"github.com/stumble/cachekit/internal/metrics"
	"github.com/stumble/cachekit/selector"
)

var tracer = otel.Tracer("github.com/stumble/cachekit")

// Stats are the facade's per-operation counters (§4.6), updated atomically.
type Stats struct {
	Hits, Misses, Sets, Deletes, Errors atomic.Uint64
}

// Snapshot is a point-in-time copy of Stats, safe to read after the facade
// has moved on.
type Snapshot struct {
	Hits, Misses, Sets, Deletes, Errors uint64
}

func (s *Stats) snapshot() Snapshot {
	return Snapshot{
		Hits:    s.Hits.Load(),
		Misses:  s.Misses.Load(),
		Sets:    s.Sets.Load(),
		Deletes: s.Deletes.Load(),
		Errors:  s.Errors.Load(),
	}
}

// Cache is the uniform facade over whichever engine the Selector currently
// prefers.
type Cache struct {
	sel        *selector.Selector
	ttlDefault time.Duration
	metrics    *metrics.Set
	stats      Stats
	group      singleflight.Group

	tagsMu sync.Mutex
	tags   map[string]map[string]struct{} // tag -> set of keys
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithDefaultTTL overrides the facade's TTL used when a caller passes 0
// (§4.6: "None ⇒ default TTL (from config, default 3600 s)").
func WithDefaultTTL(d time.Duration) Option { return func(c *Cache) { c.ttlDefault = d } }

// WithMetrics attaches a Prometheus metric set (built via internal/metrics.New).
func WithMetrics(m *metrics.Set) Option { return func(c *Cache) { c.metrics = m } }

// New constructs a Cache dispatching through sel.
func New(sel *selector.Selector, opts ...Option) *Cache {
	c := &Cache{
		sel:        sel,
		ttlDefault: 3600 * time.Second,
		tags:       make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Stats returns a snapshot of the facade's operation counters.
func (c *Cache) Stats() Snapshot { return c.stats.snapshot() }

func (c *Cache) resolveTTL(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return c.ttlDefault
	}
	return ttl
}

func (c *Cache) engine(ctx context.Context) (enginecore.Engine, error) {
	e, err := c.sel.Best(ctx)
	if err != nil {
		// Engine selection failures propagate unchanged (§7).
		return nil, err
	}
	return e, nil
}

func (c *Cache) recordLatency(origin string, start time.Time) {
	if c.metrics != nil {
		c.metrics.LatencyMS.WithLabelValues(origin).Observe(float64(time.Since(start).Milliseconds()))
	}
}

func (c *Cache) recordError(op string) {
	c.stats.Errors.Add(1)
	if c.metrics != nil {
		c.metrics.Errors.WithLabelValues(op).Inc()
	}
}

// Get returns the value for key. InvalidKey propagates to the caller
// unchanged, since it is a programmer error (§7); any other engine-level
// fault degrades to a plain miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, span := tracer.Start(ctx, "cachekit.Get")
	defer span.End()
	if err := enginecore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	start := time.Now()
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("get")
		log.Warn().Err(err).Str("key", key).Msg("cachekit: get: engine unavailable")
		return nil, false, nil
	}
	v, ok, err := eng.Get(ctx, key)
	c.recordLatency(eng.Name(), start)
	if err != nil {
		c.recordError("get")
		log.Warn().Err(err).Str("key", key).Str("engine", eng.Name()).Msg("cachekit: get failed, degrading to miss")
		return nil, false, nil
	}
	if ok {
		c.stats.Hits.Add(1)
		if c.metrics != nil {
			c.metrics.Hits.WithLabelValues(eng.Name()).Inc()
		}
	} else {
		c.stats.Misses.Add(1)
		if c.metrics != nil {
			c.metrics.Misses.WithLabelValues("get").Inc()
		}
	}
	return v, ok, nil
}

// Set validates the key (propagating ErrInvalidKey unchanged, §7) and
// stores value under key with ttl (0 => facade default TTL).
func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "cachekit.Set")
	defer span.End()
	if err := enginecore.ValidateKey(key); err != nil {
		return err
	}
	start := time.Now()
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("set")
		return err
	}
	err = eng.Set(ctx, key, value, c.resolveTTL(ttl))
	c.recordLatency(eng.Name(), start)
	if err != nil {
		c.recordError("set")
		log.Warn().Err(err).Str("key", key).Msg("cachekit: set failed, write not stored")
		return nil // writes degrade to "not stored" (§7); caller sees no error
	}
	c.stats.Sets.Add(1)
	if c.metrics != nil {
		c.metrics.Sets.WithLabelValues("set").Inc()
	}
	return nil
}

// Delete reports whether key existed. InvalidKey propagates unchanged (§7);
// other engine faults degrade to false.
func (c *Cache) Delete(ctx context.Context, key string) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("delete")
		return false, nil
	}
	ok, err := eng.Delete(ctx, key)
	if err != nil {
		c.recordError("delete")
		return false, nil
	}
	if ok {
		c.stats.Deletes.Add(1)
		if c.metrics != nil {
			c.metrics.Deletes.WithLabelValues("delete").Inc()
		}
	}
	return ok, nil
}

// Clear drops every entry in the selected engine.
func (c *Cache) Clear(ctx context.Context) bool {
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("clear")
		return false
	}
	if err := eng.Clear(ctx); err != nil {
		c.recordError("clear")
		return false
	}
	return true
}

// Has is an alias for the boolean half of Get, matching spec.md's naming.
func (c *Cache) Has(ctx context.Context, key string) (bool, error) {
	_, ok, err := c.Get(ctx, key)
	return ok, err
}

// GetMultiple never fails wholesale: absent or failing keys are simply
// missing from the result (§7).
func (c *Cache) GetMultiple(ctx context.Context, keys []string) map[string][]byte {
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("get_multiple")
		return map[string][]byte{}
	}
	out, err := eng.GetMultiple(ctx, keys)
	if err != nil {
		c.recordError("get_multiple")
		return map[string][]byte{}
	}
	for _, k := range keys {
		if _, ok := out[k]; ok {
			c.stats.Hits.Add(1)
		} else {
			c.stats.Misses.Add(1)
		}
	}
	return out
}

// SetMultiple returns the count of entries that were actually stored.
func (c *Cache) SetMultiple(ctx context.Context, entries map[string][]byte, ttl time.Duration) int {
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("set_multiple")
		return 0
	}
	n, err := eng.SetMultiple(ctx, entries, c.resolveTTL(ttl))
	if err != nil {
		c.recordError("set_multiple")
		return 0
	}
	c.stats.Sets.Add(uint64(n))
	return n
}

// DeleteMultiple returns the count of keys that existed.
func (c *Cache) DeleteMultiple(ctx context.Context, keys []string) int {
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("delete_multiple")
		return 0
	}
	n, err := eng.DeleteMultiple(ctx, keys)
	if err != nil {
		c.recordError("delete_multiple")
		return 0
	}
	c.stats.Deletes.Add(uint64(n))
	return n
}

// Increment performs an atomic numeric update; TypeMismatch propagates since
// it signals a programmer/data error, not a transient engine fault.
func (c *Cache) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return 0, err
	}
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("increment")
		return 0, err
	}
	n, err := eng.Increment(ctx, key, delta)
	if err != nil {
		if err == enginecore.ErrTypeMismatch {
			return 0, err
		}
		c.recordError("increment")
		return 0, fmt.Errorf("cachekit: increment %s: %w", key, err)
	}
	c.stats.Sets.Add(1)
	return n, nil
}

// Decrement is Increment(key, -delta) (§4.1).
func (c *Cache) Decrement(ctx context.Context, key string, delta int64) (int64, error) {
	return c.Increment(ctx, key, -delta)
}

// Add is set-if-absent, atomic on every engine (§5, §8 property 3).
func (c *Cache) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("add")
		return false, err
	}
	ok, err := eng.Add(ctx, key, value, c.resolveTTL(ttl))
	if err != nil {
		c.recordError("add")
		return false, nil
	}
	if ok {
		c.stats.Sets.Add(1)
	}
	return ok, nil
}

// Replace is set-if-present: it stores value under key only when key
// currently exists, returning false (no-op) otherwise.
func (c *Cache) Replace(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	eng, err := c.engine(ctx)
	if err != nil {
		c.recordError("replace")
		return false, err
	}
	exists, err := eng.Exists(ctx, key)
	if err != nil || !exists {
		return false, nil
	}
	if err := eng.Set(ctx, key, value, c.resolveTTL(ttl)); err != nil {
		c.recordError("replace")
		return false, nil
	}
	c.stats.Sets.Add(1)
	return true, nil
}

// Pull is get-then-delete: an atomic-looking read-and-remove from the
// caller's point of view (the underlying engine calls are sequential; see
// spec.md §5 for the single-key read-your-writes guarantee this relies on).
// InvalidKey propagates unchanged (§7).
func (c *Cache) Pull(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return nil, false, err
	}
	if _, err := c.Delete(ctx, key); err != nil {
		return v, true, err
	}
	return v, true, nil
}

// Touch extends key's TTL without changing its value, implemented as a
// read-modify-write since not every engine exposes a native TOUCH/EXPIRE.
// InvalidKey propagates unchanged (§7).
func (c *Cache) Touch(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	v, ok, err := c.Get(ctx, key)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return c.Set(ctx, key, v, c.resolveTTL(ttl)) == nil, nil
}

// RememberFunc computes a value to cache on a miss.
type RememberFunc func(ctx context.Context) ([]byte, error)

// Remember returns the cached value for key if present, else invokes fn,
// stores the result under key with ttl, and returns it (§4.6, §8 scenario
// S6). Concurrent callers for the same key are deduplicated via
// singleflight, exactly as dcache.readValue dedupes concurrent reads
// through to the underlying data source with c.group.Do.
func (c *Cache) Remember(ctx context.Context, key string, ttl time.Duration, fn RememberFunc) ([]byte, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return nil, err
	}
	if v, ok, err := c.Get(ctx, key); err != nil {
		return nil, err
	} else if ok {
		return v, nil
	}
	v, err, _ := c.group.Do(key, func() (any, error) {
		if v, ok, err := c.Get(ctx, key); err == nil && ok {
			return v, nil
		}
		computed, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		if err := c.Set(ctx, key, computed, ttl); err != nil {
			log.Warn().Err(err).Str("key", key).Msg("cachekit: remember: failed to store computed value")
		}
		return computed, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

// SetWithTags writes the entry and appends key to each tag's key-list
// (§4.6). The tag index is in-process and does not survive restart.
func (c *Cache) SetWithTags(ctx context.Context, key string, value []byte, tags []string, ttl time.Duration) error {
	if err := c.Set(ctx, key, value, ttl); err != nil {
		return err
	}
	c.tagsMu.Lock()
	defer c.tagsMu.Unlock()
	for _, t := range tags {
		keys, ok := c.tags[t]
		if !ok {
			keys = make(map[string]struct{})
			c.tags[t] = keys
		}
		keys[key] = struct{}{}
	}
	return nil
}

// InvalidateTags gathers the union of keys registered under tags and issues
// DeleteMultiple (§4.6).
func (c *Cache) InvalidateTags(ctx context.Context, tags []string) int {
	c.tagsMu.Lock()
	union := make(map[string]struct{})
	for _, t := range tags {
		for k := range c.tags[t] {
			union[k] = struct{}{}
		}
		delete(c.tags, t)
	}
	c.tagsMu.Unlock()

	if len(union) == 0 {
		return 0
	}
	keys := make([]string, 0, len(union))
	for k := range union {
		keys = append(keys, k)
	}
	return c.DeleteMultiple(ctx, keys)
}

// Selector exposes the underlying selector for callers that need direct
// engine access.
func (c *Cache) Selector() *selector.Selector { return c.sel }
