// Package selector registers cache engines under a name, ranks them by
// availability and a static performance level, and picks the best one for
// each call (§4.5): the preferred engine when it is available, otherwise the
// highest-ranked available one. Availability is cached until Refresh, so an
// engine whose calls fail stays selected until Refresh finds it unavailable.
//
// The registry-with-explicit-lifecycle shape replaces the PurePHP source's
// runtime class switching and process-global service-provider registry
// flagged in spec.md's design notes: engines are immutable references held
// by one Selector value with an explicit New/Register/Shutdown lifecycle,
// grounded on dcache's Client, which is itself constructed once via NewCache
// and exposes a single Close() rather than a global container.
package selector

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/stumble/cachekit/enginecore"
)

type registration struct {
	engine      enginecore.Engine
	available   bool
	checkedOnce bool
}

// Selector is the engine registry described in §4.5.
type Selector struct {
	mu       sync.RWMutex
	byName   map[string]*registration
	order    []string // registration order, used for deterministic iteration
	preferred string
}

// New constructs an empty Selector. preferred names the engine that wins
// best() whenever it is available.
func New(preferred string) *Selector {
	return &Selector{byName: make(map[string]*registration), preferred: preferred}
}

// Register adds an engine under its own Name(). Availability is evaluated
// lazily and cached until Refresh.
func (s *Selector) Register(e enginecore.Engine) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byName[e.Name()]; !exists {
		s.order = append(s.order, e.Name())
	}
	s.byName[e.Name()] = &registration{engine: e}
}

// Refresh re-evaluates every engine's availability, clearing the cache
// populated by previous Best/Benchmark calls (§4.5).
func (s *Selector) Refresh(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byName {
		r.available = r.engine.IsAvailable(ctx)
		r.checkedOnce = true
	}
}

func (s *Selector) availableLocked(ctx context.Context, r *registration) bool {
	if !r.checkedOnce {
		r.available = r.engine.IsAvailable(ctx)
		r.checkedOnce = true
	}
	return r.available
}

// Best returns the configured preferred engine if available, else the
// available engine with the highest PerformanceLevel, ties broken
// alphabetically by name (§4.5). Returns enginecore.ErrEngineUnavailable if
// no engine is available.
func (s *Selector) Best(ctx context.Context) (enginecore.Engine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.preferred != "" {
		if r, ok := s.byName[s.preferred]; ok && s.availableLocked(ctx, r) {
			return r.engine, nil
		}
	}

	type candidate struct {
		name  string
		level int
		eng   enginecore.Engine
	}
	var cands []candidate
	for name, r := range s.byName {
		if s.availableLocked(ctx, r) {
			cands = append(cands, candidate{name, r.engine.PerformanceLevel(), r.engine})
		}
	}
	if len(cands) == 0 {
		return nil, enginecore.ErrEngineUnavailable
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].level != cands[j].level {
			return cands[i].level > cands[j].level
		}
		return cands[i].name < cands[j].name
	})
	return cands[0].eng, nil
}

// Get returns a specific registered engine by name, ignoring availability.
func (s *Selector) Get(name string) (enginecore.Engine, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byName[name]
	if !ok {
		return nil, false
	}
	return r.engine, true
}

// Names returns the registered engine names in registration order.
func (s *Selector) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.order))
	copy(out, s.order)
	return out
}

// BenchmarkResult reports one engine's measured throughput.
type BenchmarkResult struct {
	Name         string
	OpsPerSecond float64
}

// Benchmark times n cycles of set/get/delete on each available engine using
// distinct keys, reporting ops/second (§4.5).
func (s *Selector) Benchmark(ctx context.Context, n int) []BenchmarkResult {
	s.mu.RLock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	regs := make(map[string]*registration, len(s.byName))
	for k, v := range s.byName {
		regs[k] = v
	}
	s.mu.RUnlock()

	var results []BenchmarkResult
	for _, name := range names {
		r := regs[name]
		s.mu.Lock()
		avail := s.availableLocked(ctx, r)
		s.mu.Unlock()
		if !avail {
			continue
		}
		results = append(results, BenchmarkResult{Name: name, OpsPerSecond: benchmarkOne(ctx, r.engine, n)})
	}
	return results
}

func benchmarkOne(ctx context.Context, e enginecore.Engine, n int) float64 {
	if n <= 0 {
		return 0
	}
	start := time.Now()
	for i := 0; i < n; i++ {
		key := benchKey(i)
		_ = e.Set(ctx, key, []byte("v"), time.Minute)
		_, _, _ = e.Get(ctx, key)
		_, _ = e.Delete(ctx, key)
	}
	elapsed := time.Since(start).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(3*n) / elapsed
}

func benchKey(i int) string {
	const alphabet = "0123456789abcdef"
	buf := make([]byte, 0, 20)
	buf = append(buf, "bench-"...)
	if i == 0 {
		return string(append(buf, '0'))
	}
	var digits []byte
	for i > 0 {
		digits = append(digits, alphabet[i%16])
		i /= 16
	}
	for j := len(digits) - 1; j >= 0; j-- {
		buf = append(buf, digits[j])
	}
	return string(buf)
}

// Shutdown closes every registered engine.
func (s *Selector) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.byName {
		_ = r.engine.Close()
	}
}
