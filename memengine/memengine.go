// Package memengine implements the native, in-process cache engine: a
// thread-safe map with TTL expiry and LRU eviction under a hard memory
// budget, exposed both as an enginecore.Engine and, via cmd/libcachekit, as a
// stable C ABI.
//
// The single-mutex-guarded-map shape is grounded on dcache's Client, which
// guards its freecache handle and invalidation bookkeeping behind one
// *sync.Mutex rather than a sharded map; this engine follows the same
// choice since spec.md permits either ("a single mutex or a sharded map").
package memengine

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stumble/cachekit/enginecore"
)

const (
	// DefaultBudgetBytes is the default hard memory budget (§4.1).
	DefaultBudgetBytes uint64 = 100 << 20 // 100 MiB
	// DefaultCleanupInterval is how often a get/set triggers a synchronous
	// sweep of expired entries (§4.1).
	DefaultCleanupInterval = 300 * time.Second
	// evictionFraction is the share of keys evicted once the budget is
	// exceeded; at least one key is always evicted.
	evictionFraction = 0.10
)

var sizeGrammar = regexp.MustCompile(`^(\d+)\s*([KkMmGg]?)$`)

// ParseBudget parses the "<int>{K,M,G}" or bare-integer-bytes grammar used
// for CACHE_MEMORY_LIMIT / CACHE_MEMORY_MAX_SIZE (§6).
func ParseBudget(s string) (uint64, error) {
	m := sizeGrammar.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("memengine: invalid budget %q", s)
	}
	n, err := strconv.ParseUint(m[1], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("memengine: invalid budget %q: %w", s, err)
	}
	switch m[2] {
	case "K", "k":
		n *= 1 << 10
	case "M", "m":
		n *= 1 << 20
	case "G", "g":
		n *= 1 << 30
	}
	return n, nil
}

// record is the internal bookkeeping unit; it embeds enginecore.Entry plus a
// sequence number, taken on every set and every hit, used to break
// accessed_at ties in favour of the most recently used key.
type record struct {
	enginecore.Entry
	seq uint64
}

// Clock abstracts time.Now for deterministic tests, mirroring dcache's
// package-level SetNowFunc(getNow) hook.
type Clock func() time.Time

// Engine is the native in-memory LRU+TTL cache. Zero value is not usable;
// construct with New.
type Engine struct {
	mu sync.Mutex

	entries map[string]*record
	usage   uint64
	budget  uint64
	nextSeq uint64

	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             Clock

	hits, misses, sets, deletes, evictions atomic.Uint64
}

// Option configures an Engine at construction.
type Option func(*Engine)

// WithBudgetBytes overrides DefaultBudgetBytes.
func WithBudgetBytes(n uint64) Option { return func(e *Engine) { e.budget = n } }

// WithCleanupInterval overrides DefaultCleanupInterval.
func WithCleanupInterval(d time.Duration) Option {
	return func(e *Engine) { e.cleanupInterval = d }
}

// WithClock overrides the engine's time source; used by tests.
func WithClock(c Clock) Option { return func(e *Engine) { e.now = c } }

// New constructs a ready-to-use Engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		entries:         make(map[string]*record),
		budget:          DefaultBudgetBytes,
		cleanupInterval: DefaultCleanupInterval,
		now:             time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.lastCleanup = e.now()
	return e
}

func (e *Engine) Name() string { return "memory" }

func (e *Engine) nowUnix() uint64 { return uint64(e.now().Unix()) }

// maybeCleanupLocked sweeps expired entries if the cleanup interval has
// elapsed; caller must hold e.mu.
func (e *Engine) maybeCleanupLocked() {
	if e.now().Sub(e.lastCleanup) < e.cleanupInterval {
		return
	}
	e.sweepExpiredLocked()
	e.lastCleanup = e.now()
}

func (e *Engine) sweepExpiredLocked() uint64 {
	now := e.nowUnix()
	var reclaimed uint64
	for k, r := range e.entries {
		if r.Expired(now) {
			e.usage -= enginecore.EstimatedSize(k, r.Value)
			delete(e.entries, k)
			reclaimed++
		}
	}
	return reclaimed
}

// Get returns the value for key, applying lazy expiry: an expired entry is
// removed and reported as a miss (§4.1, testable property 4).
func (e *Engine) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeCleanupLocked()

	r, ok := e.entries[key]
	if !ok {
		e.misses.Add(1)
		return nil, false, nil
	}
	now := e.nowUnix()
	if r.Expired(now) {
		e.usage -= enginecore.EstimatedSize(key, r.Value)
		delete(e.entries, key)
		e.misses.Add(1)
		return nil, false, nil
	}
	r.AccessedAt = now
	r.AccessCount++
	e.nextSeq++
	r.seq = e.nextSeq
	e.hits.Add(1)
	out := make([]byte, len(r.Value))
	copy(out, r.Value)
	return out, true, nil
}

// Set always overwrites; ttl == 0 means no expiry. If inserting would exceed
// the budget, eviction runs first (§4.1).
func (e *Engine) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := enginecore.ValidateKey(key); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeCleanupLocked()
	e.setLocked(key, value, ttl)
	e.sets.Add(1)
	return nil
}

func (e *Engine) setLocked(key string, value []byte, ttl time.Duration) {
	size := enginecore.EstimatedSize(key, value)
	if old, ok := e.entries[key]; ok {
		e.usage -= enginecore.EstimatedSize(key, old.Value)
	} else if e.usage+size > e.budget {
		e.evictLocked()
	}
	now := e.nowUnix()
	var expiresAt uint64
	if ttl > 0 {
		expiresAt = uint64(e.now().Add(ttl).Unix())
	}
	stored := make([]byte, len(value))
	copy(stored, value)
	e.nextSeq++
	e.entries[key] = &record{
		Entry: enginecore.Entry{
			Value:       stored,
			CreatedAt:   now,
			AccessedAt:  now,
			AccessCount: 0,
			Size:        size,
			ExpiresAt:   expiresAt,
		},
		seq: e.nextSeq,
	}
	e.usage += size
}

// evictLocked removes max(1, ceil(0.10*n)) least-recently-used keys, ties in
// accessed_at broken by the order of each key's last set or hit (§4.1,
// testable property 5). Caller holds e.mu.
func (e *Engine) evictLocked() {
	n := len(e.entries)
	if n == 0 {
		return
	}
	toEvict := int(math.Ceil(float64(n) * evictionFraction))
	if toEvict < 1 {
		toEvict = 1
	}
	type cand struct {
		key        string
		accessedAt uint64
		seq        uint64
	}
	cands := make([]cand, 0, n)
	for k, r := range e.entries {
		cands = append(cands, cand{k, r.AccessedAt, r.seq})
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].accessedAt != cands[j].accessedAt {
			return cands[i].accessedAt < cands[j].accessedAt
		}
		return cands[i].seq < cands[j].seq
	})
	if toEvict > len(cands) {
		toEvict = len(cands)
	}
	for i := 0; i < toEvict; i++ {
		k := cands[i].key
		if r, ok := e.entries[k]; ok {
			e.usage -= enginecore.EstimatedSize(k, r.Value)
			delete(e.entries, k)
			e.evictions.Add(1)
		}
	}
}

// Delete reports whether an entry existed (§8 testable property 2).
func (e *Engine) Delete(_ context.Context, key string) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.entries[key]
	if !ok {
		return false, nil
	}
	e.usage -= enginecore.EstimatedSize(key, r.Value)
	delete(e.entries, key)
	e.deletes.Add(1)
	return true, nil
}

// Exists delegates to Get's lazy-expiry semantics.
func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := e.Get(ctx, key)
	return ok, err
}

// Clear drops all entries atomically.
func (e *Engine) Clear(context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = make(map[string]*record)
	e.usage = 0
	return nil
}

// Add is the set-if-absent primitive (atomic on every engine, §5).
func (e *Engine) Add(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.maybeCleanupLocked()
	now := e.nowUnix()
	if r, ok := e.entries[key]; ok && !r.Expired(now) {
		return false, nil
	}
	e.setLocked(key, value, ttl)
	e.sets.Add(1)
	return true, nil
}

// Increment atomically parses the existing value as a base-10 integer
// (absent => 0), adds delta, and stores the ASCII decimal result. Fails with
// ErrTypeMismatch if a present value is not a valid integer (§4.1, §9).
func (e *Engine) Increment(_ context.Context, key string, delta int64) (int64, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return 0, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	var cur int64
	now := e.nowUnix()
	if r, ok := e.entries[key]; ok && !r.Expired(now) {
		parsed, err := strconv.ParseInt(string(r.Value), 10, 64)
		if err != nil {
			return 0, enginecore.ErrTypeMismatch
		}
		cur = parsed
	}
	next := cur + delta
	e.setLocked(key, []byte(strconv.FormatInt(next, 10)), 0)
	e.sets.Add(1)
	return next, nil
}

// GetMultiple returns a map with an entry only for keys that hit; absent,
// invalid, or failing keys are simply missing from the result, since
// sequence operations never fail wholesale (§7).
func (e *Engine) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, ok, err := e.Get(ctx, k)
		if err != nil {
			continue
		}
		if ok {
			out[k] = v
		}
	}
	return out, nil
}

// SetMultiple reports how many of the entries were stored successfully.
func (e *Engine) SetMultiple(ctx context.Context, entries map[string][]byte, ttl time.Duration) (int, error) {
	n := 0
	for k, v := range entries {
		if err := e.Set(ctx, k, v, ttl); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("memengine: set_multiple: skipping invalid key")
			continue
		}
		n++
	}
	return n, nil
}

// DeleteMultiple returns the count of keys that actually existed; invalid
// or failing keys are skipped rather than failing the whole call (§7).
func (e *Engine) DeleteMultiple(ctx context.Context, keys []string) (int, error) {
	n := 0
	for _, k := range keys {
		ok, err := e.Delete(ctx, k)
		if err != nil {
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

// Count returns the current number of entries, including not-yet-swept
// expired ones (callers wanting a live count should Cleanup first).
func (e *Engine) Count(context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return uint64(len(e.entries)), nil
}

// Cleanup sweeps all expired entries and returns the number reclaimed (§4.1,
// testable property 4 / scenario S3).
func (e *Engine) Cleanup(context.Context) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := e.sweepExpiredLocked()
	e.lastCleanup = e.now()
	return n, nil
}

// IsAvailable is always true: the native engine has no external dependency.
func (e *Engine) IsAvailable(context.Context) bool { return true }

// PerformanceLevel ranks the memory engine fastest among the three (§4.5).
func (e *Engine) PerformanceLevel() int { return 4 }

// Close is a no-op; the engine owns no external resources.
func (e *Engine) Close() error { return nil }

// Stats is a point-in-time snapshot of the engine's operation counters.
type Stats struct {
	Hits, Misses, Sets, Deletes, Evictions uint64
	Entries                                uint64
	UsageBytes                             uint64
	BudgetBytes                            uint64
}

// Snapshot returns current counters and memory usage.
func (e *Engine) Snapshot() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Hits:       e.hits.Load(),
		Misses:     e.misses.Load(),
		Sets:       e.sets.Load(),
		Deletes:    e.deletes.Load(),
		Evictions:  e.evictions.Load(),
		Entries:    uint64(len(e.entries)),
		UsageBytes: e.usage,
		BudgetBytes: e.budget,
	}
}

var _ enginecore.Engine = (*Engine)(nil)
