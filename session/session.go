// Package session implements the Session Lock Layer (spec.md §4.7): a
// mutual-exclusion primitive built from the facade's Add (set-if-absent)
// and Delete, plus the session-record read/write path and the PHP-style
// session handler protocol (§6) that a surrounding runtime's session
// machinery consumes.
//
// The lock-spin-with-sleep shape is grounded on dcache's GetWithTtl, which
// spins on SetNX + a fixed sleep (lockSleep = 50ms) while waiting for a
// distributed single-flight lock to release; this package generalizes that
// pattern to the facade's Add and a caller-supplied timeout instead of a
// fixed read-interval.
package session

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	lockPollInterval = 100 * time.Millisecond
	lockKeyPrefix    = "sess.lock."
	recordKeyPrefix  = "sess.data."
)

var sidPattern = regexp.MustCompile(`^[A-Za-z0-9,-]{22,256}$`)

// sidEncoding is unpadded base64 over the sid character set, so every id
// CreateSID returns passes ValidateSID.
var sidEncoding = base64.NewEncoding("ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789,-").WithPadding(base64.NoPadding)

// ValidateSID checks the session id format (§4.7): ^[A-Za-z0-9,-]{22,256}$.
func ValidateSID(sid string) bool { return sidPattern.MatchString(sid) }

// CreateSID returns base64 (sidEncoding's alphabet) of 32 cryptographically
// random bytes (§4.7).
func CreateSID() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("session: create_sid: %w", err)
	}
	return sidEncoding.EncodeToString(buf), nil
}

func lockKey(sid string) string   { return lockKeyPrefix + sid }
func recordKey(sid string) string { return recordKeyPrefix + sid }

// Record is the session payload plus metadata (§3 Data Model). CreatedAt
// must be preserved across successive writes for the same session id.
type Record struct {
	Data      []byte `json:"data"`
	CreatedAt int64  `json:"created_at"`
	UpdatedAt int64  `json:"updated_at"`
	IPAddress string `json:"ip_address,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Cache is the subset of the facade the session layer depends on, kept
// narrow so this package never needs to import the root cachekit package
// (it would otherwise form an import cycle, since the facade sits above the
// engines and the session layer sits above the facade).
type Cache interface {
	Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) (bool, error)
}

// Clock abstracts time.Now for deterministic tests.
type Clock func() time.Time

// Handler implements the session lock layer and the session handler
// protocol of §6.
type Handler struct {
	cache Cache
	now   Clock

	// locallyHeld tracks locks acquired by this process; GC releases the
	// ones held longer than the age it is given.
	mu          sync.Mutex
	locallyHeld map[string]heldLock
}

type heldLock struct {
	acquiredAt time.Time
	timeout    time.Duration
}

// Option configures a Handler.
type Option func(*Handler)

// WithClock overrides the handler's time source.
func WithClock(c Clock) Option { return func(h *Handler) { h.now = c } }

// New constructs a session Handler over cache.
func New(cache Cache, opts ...Option) *Handler {
	h := &Handler{cache: cache, now: time.Now, locallyHeld: make(map[string]heldLock)}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Lock spins with a 100ms sleep between attempts calling the facade's Add
// until it succeeds or timeout elapses (§4.7, §8 property 7). The lock's own
// TTL equals timeout, so an abandoned owner's lock is reclaimed
// automatically. Cancellation-safe: if ctx is cancelled after acquisition
// succeeds, the lock is released before returning (§5).
func (h *Handler) Lock(ctx context.Context, sid string, timeout time.Duration) bool {
	deadline := h.now().Add(timeout)
	key := lockKey(sid)
	for {
		select {
		case <-ctx.Done():
			return false
		default:
		}
		acquired, err := h.cache.Add(ctx, key, []byte(fmt.Sprintf("%d", h.now().Unix())), timeout)
		if err != nil {
			log.Warn().Err(err).Str("sid", sid).Msg("session: lock: add failed")
			return false
		}
		if acquired {
			h.mu.Lock()
			h.locallyHeld[sid] = heldLock{acquiredAt: h.now(), timeout: timeout}
			h.mu.Unlock()
			if ctx.Err() != nil {
				// Cancelled right as we acquired: release before
				// returning per the cancellation-safety requirement.
				h.Unlock(context.Background(), sid)
				return false
			}
			return true
		}
		if h.now().After(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(lockPollInterval):
		}
	}
}

// Unlock releases sid's lock.
func (h *Handler) Unlock(ctx context.Context, sid string) {
	h.cache.Delete(ctx, lockKey(sid))
	h.mu.Lock()
	delete(h.locallyHeld, sid)
	h.mu.Unlock()
}

// Read acquires the lock (returning empty on failure), then fetches the
// session record (§4.7).
func (h *Handler) Read(ctx context.Context, sid string, timeout time.Duration) (Record, bool) {
	if !h.Lock(ctx, sid, timeout) {
		return Record{}, false
	}
	defer h.Unlock(ctx, sid)
	b, ok, err := h.cache.Get(ctx, recordKey(sid))
	if err != nil || !ok {
		return Record{}, false
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		log.Warn().Err(err).Str("sid", sid).Msg("session: read: corrupt record")
		return Record{}, false
	}
	return r, true
}

// Write upserts the record, preserving created_at from any existing record
// for sid (§3, §4.7).
func (h *Handler) Write(ctx context.Context, sid string, data []byte, ttl time.Duration) bool {
	key := recordKey(sid)
	now := h.now().Unix()
	created := now
	if existing, ok, err := h.cache.Get(ctx, key); err == nil && ok {
		var prev Record
		if err := json.Unmarshal(existing, &prev); err == nil && prev.CreatedAt != 0 {
			created = prev.CreatedAt
		}
	}
	r := Record{Data: data, CreatedAt: created, UpdatedAt: now}
	b, err := json.Marshal(r)
	if err != nil {
		log.Warn().Err(err).Str("sid", sid).Msg("session: write: marshal failed")
		return false
	}
	return h.cache.Set(ctx, key, b, ttl) == nil
}

// Destroy removes both the record and its lock (§4.7).
func (h *Handler) Destroy(ctx context.Context, sid string) bool {
	ok, _ := h.cache.Delete(ctx, recordKey(sid))
	h.cache.Delete(ctx, lockKey(sid))
	return ok
}

// UpdateTimestamp extends the record's TTL via a read-then-rewrite (§4.7,
// §6 update_timestamp).
func (h *Handler) UpdateTimestamp(ctx context.Context, sid string, data []byte, ttl time.Duration) bool {
	return h.Write(ctx, sid, data, ttl)
}

// GC sweeps locally-tracked locks older than maxLifetime and releases them;
// since session records carry their own TTL, GC for record expiry is a
// no-op by design (§4.7).
func (h *Handler) GC(ctx context.Context, maxLifetime time.Duration) int {
	now := h.now()
	var stale []string
	h.mu.Lock()
	for sid, held := range h.locallyHeld {
		if now.Sub(held.acquiredAt) > maxLifetime {
			stale = append(stale, sid)
		}
	}
	h.mu.Unlock()
	for _, sid := range stale {
		h.Unlock(ctx, sid)
	}
	return len(stale)
}

