// Package fileengine implements the filesystem-backed persistent cache
// engine: keys are sharded into a two-level hex directory tree by their
// sha256 digest, writes take an exclusive OS file lock, and expired or
// unparseable files are treated as a miss and removed.
//
// No third-party file-locking library appears anywhere in the retrieval
// pack (grep across all example repos for flock/LOCK_EX/syscall.Flock
// turned up nothing), so this package uses syscall.Flock directly; see
// DESIGN.md for that justification.
package fileengine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stumble/cachekit/enginecore"
	"github.com/stumble/cachekit/serializer"
)

const defaultPermissions = 0o755

// Config configures the file engine.
type Config struct {
	Root        string
	Prefix      string
	Permissions os.FileMode
}

// Engine is the sharded-directory file store.
type Engine struct {
	root        string
	prefix      string
	permissions os.FileMode

	// writeLocks serializes concurrent writers to the same logical key
	// within this process; the OS-level flock (below) additionally
	// serializes across processes.
	writeLocks sync.Map // map[string]*sync.Mutex
}

// New constructs a file engine rooted at cfg.Root, creating it if needed.
func New(cfg Config) (*Engine, error) {
	perm := cfg.Permissions
	if perm == 0 {
		perm = defaultPermissions
	}
	if err := os.MkdirAll(cfg.Root, perm); err != nil {
		return nil, fmt.Errorf("fileengine: mkdir root: %w: %v", enginecore.ErrIO, err)
	}
	return &Engine{root: cfg.Root, prefix: cfg.Prefix, permissions: perm}, nil
}

func (e *Engine) Name() string { return "file" }

// pathFor returns <root>/<hex[0:2]>/<hex[2:4]>/<prefix><hex>.cache for key
// (§4.4, §6).
func (e *Engine) pathFor(key string) string {
	sum := sha256.Sum256([]byte(key))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(e.root, hexSum[0:2], hexSum[2:4], e.prefix+hexSum+".cache")
}

func (e *Engine) keyMutex(key string) *sync.Mutex {
	v, _ := e.writeLocks.LoadOrStore(key, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// record is the on-disk payload: the entry plus the original key, needed
// because the filename only carries the key's digest.
type record struct {
	Key       string `msgpack:"k"`
	Value     []byte `msgpack:"v"`
	CreatedAt uint64 `msgpack:"c"`
	ExpiresAt uint64 `msgpack:"e"`
}

func (e *Engine) readRecord(path string) (*record, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("fileengine: flock shared: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var r record
	env, err := serializer.DecodeEnvelope(data)
	if err != nil {
		return nil, err
	}
	if err := serializer.Unmarshal(env.Bytes, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func (e *Engine) writeRecord(path string, r *record) error {
	if err := os.MkdirAll(filepath.Dir(path), e.permissions); err != nil {
		return fmt.Errorf("fileengine: mkdir shard: %w: %v", enginecore.ErrIO, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, e.permissions)
	if err != nil {
		return fmt.Errorf("fileengine: open: %w: %v", enginecore.ErrIO, err)
	}
	defer f.Close()
	// Exclusive OS-level lock; concurrent writers to the same file
	// serialize here (§4.4).
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("fileengine: flock exclusive: %w", err)
	}
	defer syscall.Flock(int(f.Fd()), syscall.LOCK_UN)

	payload, err := serializer.Marshal(r)
	if err != nil {
		return fmt.Errorf("fileengine: marshal: %w", enginecore.ErrSerializationFailed)
	}
	env := serializer.Envelope{CodecID: serializer.CodecMsgpack, Bytes: payload}
	data, err := serializer.EncodeEnvelope(env)
	if err != nil {
		return fmt.Errorf("fileengine: encode envelope: %w", enginecore.ErrSerializationFailed)
	}
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("fileengine: write: %w: %v", enginecore.ErrIO, err)
	}
	return nil
}

// Get reads the record for key; truncated/unparseable files and expired
// entries are treated as a miss, and the file is deleted (§4.4, §6).
func (e *Engine) Get(_ context.Context, key string) ([]byte, bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	path := e.pathFor(key)
	r, err := e.readRecord(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		log.Warn().Str("path", path).Err(err).Msg("fileengine: unreadable cache file treated as miss")
		_ = os.Remove(path)
		return nil, false, nil
	}
	if r.ExpiresAt != 0 && uint64(time.Now().Unix()) >= r.ExpiresAt {
		_ = os.Remove(path)
		return nil, false, nil
	}
	return r.Value, true, nil
}

// Set writes key's record under an exclusive file lock, always overwriting.
func (e *Engine) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := enginecore.ValidateKey(key); err != nil {
		return err
	}
	mu := e.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	var expiresAt uint64
	if ttl > 0 {
		expiresAt = uint64(time.Now().Add(ttl).Unix())
	}
	r := &record{Key: key, Value: value, CreatedAt: uint64(time.Now().Unix()), ExpiresAt: expiresAt}
	return e.writeRecord(e.pathFor(key), r)
}

func (e *Engine) Delete(_ context.Context, key string) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	mu := e.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()
	path := e.pathFor(key)
	if _, err := os.Stat(path); err != nil {
		return false, nil
	}
	if err := os.Remove(path); err != nil {
		return false, fmt.Errorf("fileengine: remove: %w: %v", enginecore.ErrIO, err)
	}
	return true, nil
}

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	_, ok, err := e.Get(ctx, key)
	return ok, err
}

// Clear removes every cache file under root.
func (e *Engine) Clear(context.Context) error {
	entries, err := os.ReadDir(e.root)
	if err != nil {
		return fmt.Errorf("fileengine: read root: %w: %v", enginecore.ErrIO, err)
	}
	for _, ent := range entries {
		if err := os.RemoveAll(filepath.Join(e.root, ent.Name())); err != nil {
			return fmt.Errorf("fileengine: clear: %w: %v", enginecore.ErrIO, err)
		}
	}
	return nil
}

// Add is a set-if-absent primitive. The per-key in-process mutex makes the
// existence check and the write atomic among goroutines of this process
// (§5). The check and the write take the OS-level flock separately, so Add
// is not atomic against another process writing the same key.
func (e *Engine) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	mu := e.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()
	path := e.pathFor(key)
	if r, err := e.readRecord(path); err == nil {
		if r.ExpiresAt == 0 || uint64(time.Now().Unix()) < r.ExpiresAt {
			return false, nil
		}
	}
	var expiresAt uint64
	if ttl > 0 {
		expiresAt = uint64(time.Now().Add(ttl).Unix())
	}
	r := &record{Key: key, Value: value, CreatedAt: uint64(time.Now().Unix()), ExpiresAt: expiresAt}
	if err := e.writeRecord(path, r); err != nil {
		return false, err
	}
	return true, nil
}

func (e *Engine) Increment(_ context.Context, key string, delta int64) (int64, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return 0, err
	}
	mu := e.keyMutex(key)
	mu.Lock()
	defer mu.Unlock()

	path := e.pathFor(key)
	var cur int64
	if r, err := e.readRecord(path); err == nil && (r.ExpiresAt == 0 || uint64(time.Now().Unix()) < r.ExpiresAt) {
		n, perr := parseInt(r.Value)
		if perr != nil {
			return 0, enginecore.ErrTypeMismatch
		}
		cur = n
	}
	next := cur + delta
	rec := &record{Key: key, Value: []byte(fmt.Sprintf("%d", next)), CreatedAt: uint64(time.Now().Unix())}
	if err := e.writeRecord(path, rec); err != nil {
		return 0, err
	}
	return next, nil
}

func parseInt(b []byte) (int64, error) {
	return strconv.ParseInt(string(b), 10, 64)
}

// GetMultiple never fails wholesale: invalid, absent, or failing keys are
// simply missing from the result (§7).
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

func (e *Engine) SetMultiple(ctx context.Context, entries map[string][]byte, ttl time.Duration) (int, error) {
	n := 0
	for k, v := range entries {
		if err := e.Set(ctx, k, v, ttl); err != nil {
			log.Warn().Err(err).Str("key", k).Msg("fileengine: set_multiple: skipping")
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

// Count walks the tree counting every regular file under root. O(n); intended for
// diagnostics, not the hot path.
func (e *Engine) Count(context.Context) (uint64, error) {
	stats, err := e.statsWalk()
	if err != nil {
		return 0, err
	}
	return stats.FileCount, nil
}

// Stats enumerates file count, total bytes, expired count, and free disk
// bytes (§4.4).
type Stats struct {
	FileCount     uint64
	TotalBytes    uint64
	ExpiredCount  uint64
	FreeDiskBytes uint64
}

func (e *Engine) statsWalk() (Stats, error) {
	var s Stats
	now := uint64(time.Now().Unix())
	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		s.FileCount++
		s.TotalBytes += uint64(info.Size())
		r, rerr := e.readRecord(path)
		if rerr != nil || (r.ExpiresAt != 0 && now >= r.ExpiresAt) {
			s.ExpiredCount++
		}
		return nil
	})
	if err != nil {
		return s, fmt.Errorf("fileengine: walk: %w: %v", enginecore.ErrIO, err)
	}
	s.FreeDiskBytes = freeDiskBytes(e.root)
	return s, nil
}

// DiskStats returns the current on-disk statistics (§4.4).
func (e *Engine) DiskStats() (Stats, error) { return e.statsWalk() }

// Cleanup walks the tree removing expired or unparseable files, returning
// the count reclaimed (§4.4).
func (e *Engine) Cleanup(context.Context) (uint64, error) {
	var reclaimed uint64
	now := uint64(time.Now().Unix())
	err := filepath.Walk(e.root, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return nil
		}
		r, rerr := e.readRecord(path)
		if rerr != nil {
			_ = os.Remove(path)
			reclaimed++
			return nil
		}
		if r.ExpiresAt != 0 && now >= r.ExpiresAt {
			_ = os.Remove(path)
			reclaimed++
		}
		return nil
	})
	if err != nil {
		return reclaimed, fmt.Errorf("fileengine: cleanup walk: %w: %v", enginecore.ErrIO, err)
	}
	return reclaimed, nil
}

// IsAvailable reports whether the root directory can be stat'ed; it does not
// check that the directory is writable.
func (e *Engine) IsAvailable(context.Context) bool {
	_, err := os.Stat(e.root)
	return err == nil
}

// PerformanceLevel ranks the file engine slowest of the three (§4.5).
func (e *Engine) PerformanceLevel() int { return 1 }

func (e *Engine) Close() error { return nil }

var _ enginecore.Engine = (*Engine)(nil)
