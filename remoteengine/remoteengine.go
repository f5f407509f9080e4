// Package remoteengine implements the async, pipelined remote cache engine:
// it wraps a connection pool and cluster router around a Redis-protocol
// client, routing writes to the master and reads per the configured
// preference, with per-key SETEX pipelining and MGET/MSET fast paths.
//
// The three-mode client construction (standalone / sentinel / cluster) is
// grounded on tternquist-beyond-ads-dns's NewRedisCache (redis.NewClient /
// redis.NewFailoverClient / redis.NewClusterClient, chosen by a mode
// string, with the same PoolSize/MinIdleConns/timeout knobs). Values are
// stored as raw bytes with Redis-native expiry (SET/SETEX); there is no
// msgpack envelope. A fourth "replica" mode, not
// covered by go-redis's own UniversalClient modes, is routed manually
// through this package's own pool.Pool + cluster.Router so spec.md's
// read_node()/write_node() contract (§4.2) has an observable implementation
// independent of go-redis's internal routing.
package remoteengine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/stumble/cachekit/cluster"
	"github.com/stumble/cachekit/enginecore"
	"github.com/stumble/cachekit/pool"
)

// Mode selects how the engine talks to Redis-family backends. ElastiCache,
// Valkey and Dragonfly are wire-compatible and use ModeStandalone or
// ModeCluster depending on deployment (spec.md §1 treats them as semantic
// aliases, not separate modes).
type Mode string

const (
	ModeStandalone Mode = "standalone"
	ModeSentinel   Mode = "sentinel"
	ModeCluster    Mode = "cluster"
	ModeReplica    Mode = "replica"
)

// Config configures engine construction.
type Config struct {
	Mode Mode

	// Standalone
	Addr string
	// Sentinel
	MasterName    string
	SentinelAddrs []string
	// Cluster
	ClusterAddrs []string
	// Replica (manually routed)
	Nodes []cluster.Node

	Password string
	DB       int

	PoolMin, PoolMax int
	ConnectTimeout   time.Duration
	ReadTimeout      time.Duration
	RetryAttempts    int
	RetryDelay       time.Duration

	ClusterConfig cluster.Config

	// L0Enabled turns on the process-local freecache lookaside (see l0.go).
	// L0SizeBytes defaults to 16 MiB if unset while L0Enabled is true.
	L0Enabled   bool
	L0SizeBytes int
}

// Engine is the remote cache engine.
type Engine struct {
	mode   Mode
	client redis.UniversalClient

	// Manual routing path (ModeReplica only).
	router *cluster.Router
	pool   *pool.Pool

	l0 *l0Cache
}

// redisConn adapts a *redis.Client to pool.Conn.
type redisConn struct {
	addr   string
	client *redis.Client
}

func (c *redisConn) Ping(ctx context.Context) error { return c.client.Ping(ctx).Err() }
func (c *redisConn) NodeAddr() string                { return c.addr }
func (c *redisConn) Destroy() error                  { return c.client.Close() }

// New constructs the remote engine and, for ModeReplica, its pool+router.
func New(ctx context.Context, cfg Config) (*Engine, error) {
	e := &Engine{mode: cfg.Mode}

	switch cfg.Mode {
	case ModeSentinel:
		if cfg.MasterName == "" || len(cfg.SentinelAddrs) == 0 {
			return nil, fmt.Errorf("remoteengine: sentinel mode requires MasterName and SentinelAddrs: %w", enginecore.ErrClusterMisconfigured)
		}
		e.client = redis.NewFailoverClient(&redis.FailoverOptions{
			MasterName:    cfg.MasterName,
			SentinelAddrs: cfg.SentinelAddrs,
			Password:      cfg.Password,
			DB:            cfg.DB,
			PoolSize:      cfg.PoolMax,
			MinIdleConns:  cfg.PoolMin,
			DialTimeout:   cfg.ConnectTimeout,
			ReadTimeout:   cfg.ReadTimeout,
			MaxRetries:    cfg.RetryAttempts,
		})
	case ModeCluster:
		if len(cfg.ClusterAddrs) == 0 {
			return nil, fmt.Errorf("remoteengine: cluster mode requires ClusterAddrs: %w", enginecore.ErrClusterMisconfigured)
		}
		e.client = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:        cfg.ClusterAddrs,
			Password:     cfg.Password,
			PoolSize:     cfg.PoolMax,
			MinIdleConns: cfg.PoolMin,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			MaxRetries:   cfg.RetryAttempts,
		})
	case ModeReplica:
		r, err := cluster.New(cfg.ClusterConfig, cfg.Nodes, nil, func(ctx context.Context, n cluster.Node) error {
			c := redis.NewClient(&redis.Options{Addr: n.Addr(), Password: cfg.Password, DB: cfg.DB})
			defer c.Close()
			return c.Ping(ctx).Err()
		})
		if err != nil {
			return nil, err
		}
		dial := func(ctx context.Context, addr string) (pool.Conn, error) {
			c := redis.NewClient(&redis.Options{
				Addr: addr, Password: cfg.Password, DB: cfg.DB,
				DialTimeout: cfg.ConnectTimeout, ReadTimeout: cfg.ReadTimeout,
			})
			if err := c.Ping(ctx).Err(); err != nil {
				c.Close()
				return nil, err
			}
			return &redisConn{addr: addr, client: c}, nil
		}
		p, err := pool.New(ctx, dial, pool.Config{
			Min: cfg.PoolMin, Max: cfg.PoolMax,
			ConnectTimeout: cfg.ConnectTimeout, ReadTimeout: cfg.ReadTimeout,
		})
		if err != nil {
			return nil, err
		}
		if err := r.Start(ctx); err != nil {
			return nil, err
		}
		e.router, e.pool = r, p
	default: // standalone
		if cfg.Addr == "" {
			return nil, fmt.Errorf("remoteengine: standalone mode requires Addr: %w", enginecore.ErrClusterMisconfigured)
		}
		e.client = redis.NewClient(&redis.Options{
			Addr:         cfg.Addr,
			Password:     cfg.Password,
			DB:           cfg.DB,
			PoolSize:     cfg.PoolMax,
			MinIdleConns: cfg.PoolMin,
			DialTimeout:  cfg.ConnectTimeout,
			ReadTimeout:  cfg.ReadTimeout,
			MaxRetries:   cfg.RetryAttempts,
		})
	}
	if cfg.L0Enabled && e.client != nil {
		size := cfg.L0SizeBytes
		if size <= 0 {
			size = 16 << 20
		}
		e.l0 = newL0Cache(e.client, size)
	}
	return e, nil
}

func (e *Engine) Name() string { return "redis" }

// writeClient returns the client to issue a write command against.
func (e *Engine) writeClient(ctx context.Context) (redis.UniversalClient, *redisConn, error) {
	if e.mode != ModeReplica {
		return e.client, nil, nil
	}
	n, err := e.router.WriteNode()
	if err != nil {
		return nil, nil, err
	}
	conn, err := e.pool.Acquire(ctx, n.Addr())
	if err != nil {
		return nil, nil, err
	}
	rc := conn.(*redisConn)
	return rc.client, rc, nil
}

// readClient returns the client to issue a read command against, falling
// through to the write path when the router reports no healthy node at the
// requested preference (§4.2 get_read_connection fallback).
func (e *Engine) readClient(ctx context.Context) (redis.UniversalClient, *redisConn, error) {
	if e.mode != ModeReplica {
		return e.client, nil, nil
	}
	n, err := e.router.ReadNode()
	if err != nil {
		return e.writeClient(ctx)
	}
	conn, err := e.pool.Acquire(ctx, n.Addr())
	if err != nil {
		return e.writeClient(ctx)
	}
	rc := conn.(*redisConn)
	return rc.client, rc, nil
}

func (e *Engine) releaseConn(ctx context.Context, rc *redisConn) {
	if rc != nil {
		e.pool.Release(ctx, rc)
	}
}

// Get issues GET via the read path, served out of the L0 lookaside when one
// is configured and holds the key.
func (e *Engine) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return nil, false, err
	}
	if e.l0 != nil {
		if v, ok := e.l0.get(key); ok {
			return v, true, nil
		}
	}
	client, rc, err := e.readClient(ctx)
	if err != nil {
		return nil, false, err
	}
	defer e.releaseConn(ctx, rc)
	b, err := client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("remoteengine: get %s: %w", key, enginecore.ErrConnectionFailed)
	}
	if e.l0 != nil {
		// Backfill without a second round trip for the key's real TTL; capped
		// at l0BackfillTTL so a redis-only writer's key doesn't linger in L0
		// past what a cooperating writer would have set.
		e.l0.set(key, b, l0BackfillTTL)
	}
	return b, true, nil
}

// Set issues SET (ttl==0) or SETEX (ttl>0) via the write path.
func (e *Engine) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := enginecore.ValidateKey(key); err != nil {
		return err
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return err
	}
	defer e.releaseConn(ctx, rc)
	if err := client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("remoteengine: set %s: %w", key, enginecore.ErrConnectionFailed)
	}
	if e.l0 != nil {
		e.l0.set(key, value, ttl)
	}
	return nil
}

func (e *Engine) Delete(ctx context.Context, key string) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return false, err
	}
	defer e.releaseConn(ctx, rc)
	n, err := client.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("remoteengine: del %s: %w", key, enginecore.ErrConnectionFailed)
	}
	if e.l0 != nil {
		e.l0.del(key)
	}
	return n > 0, nil
}

func (e *Engine) Exists(ctx context.Context, key string) (bool, error) {
	client, rc, err := e.readClient(ctx)
	if err != nil {
		return false, err
	}
	defer e.releaseConn(ctx, rc)
	n, err := client.Exists(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("remoteengine: exists %s: %w", key, enginecore.ErrConnectionFailed)
	}
	return n > 0, nil
}

func (e *Engine) Clear(ctx context.Context) error {
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return err
	}
	defer e.releaseConn(ctx, rc)
	if err := client.FlushDB(ctx).Err(); err != nil {
		return err
	}
	if e.l0 != nil {
		e.l0.clear()
	}
	return nil
}

// Add is Redis SETNX (atomic on every engine, §5).
func (e *Engine) Add(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return false, err
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return false, err
	}
	defer e.releaseConn(ctx, rc)
	ok, err := client.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("remoteengine: setnx %s: %w", key, enginecore.ErrConnectionFailed)
	}
	if ok && e.l0 != nil {
		e.l0.set(key, value, ttl)
	}
	return ok, nil
}

// Increment issues INCRBY; go-redis/Redis itself enforces the numeric
// invariant, surfaced here as ErrTypeMismatch per §9's unification of the
// memory and remote engines' increment semantics.
func (e *Engine) Increment(ctx context.Context, key string, delta int64) (int64, error) {
	if err := enginecore.ValidateKey(key); err != nil {
		return 0, err
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return 0, err
	}
	defer e.releaseConn(ctx, rc)
	n, err := client.IncrBy(ctx, key, delta).Result()
	if err != nil {
		if isNotAnInteger(err) {
			return 0, enginecore.ErrTypeMismatch
		}
		return 0, fmt.Errorf("remoteengine: incrby %s: %w", key, enginecore.ErrConnectionFailed)
	}
	if e.l0 != nil {
		// The old cached value (if any) no longer reflects the incremented
		// counter; drop it rather than recompute its TTL.
		e.l0.del(key)
	}
	return n, nil
}

func isNotAnInteger(err error) bool {
	return err != nil && (containsFold(err.Error(), "not an integer") || containsFold(err.Error(), "wrong kind"))
}

func containsFold(s, sub string) bool {
	return len(s) >= len(sub) && (func() bool {
		for i := 0; i+len(sub) <= len(s); i++ {
			if equalFold(s[i:i+len(sub)], sub) {
				return true
			}
		}
		return false
	})()
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

// GetMultiple issues one MGET; on failure it falls back to per-key Get
// (§4.3).
func (e *Engine) GetMultiple(ctx context.Context, keys []string) (map[string][]byte, error) {
	if len(keys) == 0 {
		return map[string][]byte{}, nil
	}
	out := make(map[string][]byte, len(keys))
	remaining := keys
	if e.l0 != nil {
		remaining = make([]string, 0, len(keys))
		for _, k := range keys {
			if v, ok := e.l0.get(k); ok {
				out[k] = v
			} else {
				remaining = append(remaining, k)
			}
		}
		if len(remaining) == 0 {
			return out, nil
		}
	}

	client, rc, err := e.readClient(ctx)
	if err != nil {
		return nil, err
	}
	defer e.releaseConn(ctx, rc)

	keys = remaining
	vals, err := client.MGet(ctx, keys...).Result()
	if err != nil {
		log.Warn().Err(err).Msg("remoteengine: mget failed, falling back to per-key get")
		for _, k := range keys {
			v, ok, gerr := e.Get(ctx, k)
			if gerr == nil && ok {
				out[k] = v
			}
		}
		return out, nil
	}
	for i, v := range vals {
		if v == nil {
			continue
		}
		if s, ok := v.(string); ok {
			out[keys[i]] = []byte(s)
		}
	}
	return out, nil
}

// SetMultiple issues a single MSET when ttl == 0, or a pipelined batch of
// per-key SETEX when ttl > 0 (§4.3). Partial pipeline failures fall back to
// per-key sets; the returned count is the number of commands that actually
// succeeded (§9's prescribed resolution of the ambiguous source behavior).
func (e *Engine) SetMultiple(ctx context.Context, entries map[string][]byte, ttl time.Duration) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return 0, err
	}
	defer e.releaseConn(ctx, rc)

	if ttl == 0 {
		pairs := make([]interface{}, 0, len(entries)*2)
		for k, v := range entries {
			pairs = append(pairs, k, v)
		}
		if err := client.MSet(ctx, pairs...).Err(); err != nil {
			return e.setMultipleFallback(ctx, entries, ttl)
		}
		if e.l0 != nil {
			for k, v := range entries {
				e.l0.set(k, v, ttl)
			}
		}
		return len(entries), nil
	}

	pipe := client.Pipeline()
	cmds := make(map[string]*redis.StatusCmd, len(entries))
	for k, v := range entries {
		cmds[k] = pipe.SetEx(ctx, k, v, ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Msg("remoteengine: set_multiple pipeline failed, falling back per-key")
	}
	n := 0
	for k, cmd := range cmds {
		if cmd.Err() == nil {
			n++
			if e.l0 != nil {
				e.l0.set(k, entries[k], ttl)
			}
			continue
		}
		if err := e.Set(ctx, k, entries[k], ttl); err == nil {
			n++
		}
	}
	return n, nil
}

func (e *Engine) setMultipleFallback(ctx context.Context, entries map[string][]byte, ttl time.Duration) (int, error) {
	n := 0
	for k, v := range entries {
		if err := e.Set(ctx, k, v, ttl); err == nil {
			n++
		}
	}
	return n, nil
}

// DeleteMultiple issues a single DEL with all keys.
func (e *Engine) DeleteMultiple(ctx context.Context, keys []string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	client, rc, err := e.writeClient(ctx)
	if err != nil {
		return 0, err
	}
	defer e.releaseConn(ctx, rc)
	n, err := client.Del(ctx, keys...).Result()
	if err != nil {
		return 0, fmt.Errorf("remoteengine: del_multiple: %w", enginecore.ErrConnectionFailed)
	}
	if e.l0 != nil {
		for _, k := range keys {
			e.l0.del(k)
		}
	}
	return int(n), nil
}

// Count approximates DBSIZE; on a real cluster this is a per-shard sum,
// delegated to go-redis's ClusterClient which distributes DBSize itself.
func (e *Engine) Count(ctx context.Context) (uint64, error) {
	client, rc, err := e.readClient(ctx)
	if err != nil {
		return 0, err
	}
	defer e.releaseConn(ctx, rc)
	n, err := client.DBSize(ctx).Result()
	if err != nil {
		return 0, fmt.Errorf("remoteengine: dbsize: %w", enginecore.ErrConnectionFailed)
	}
	return uint64(n), nil
}

// Cleanup is a no-op: Redis expires keys server-side; there is nothing for
// the engine to sweep.
func (e *Engine) Cleanup(context.Context) (uint64, error) { return 0, nil }

// IsAvailable issues PING with ConnectTimeout, per §4.5's availability
// predicate.
func (e *Engine) IsAvailable(ctx context.Context) bool {
	client, rc, err := e.readClient(ctx)
	if err != nil {
		return false
	}
	defer e.releaseConn(ctx, rc)
	return client.Ping(ctx).Err() == nil
}

// PerformanceLevel ranks the remote engine below memory but above file
// (§4.5); network round trips dominate its latency.
func (e *Engine) PerformanceLevel() int { return 2 }

func (e *Engine) Close() error {
	if e.l0 != nil {
		e.l0.close()
	}
	if e.router != nil {
		e.router.Stop()
	}
	if e.pool != nil {
		e.pool.Shutdown()
	}
	if e.client != nil {
		return e.client.Close()
	}
	return nil
}

// FormatInt is exposed for callers that need the same ASCII-decimal
// encoding the memory engine uses for Increment's stored representation.
func FormatInt(n int64) []byte { return []byte(strconv.FormatInt(n, 10)) }

var _ enginecore.Engine = (*Engine)(nil)
