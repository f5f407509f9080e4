// Package pool implements the connection pool for the remote engine: a
// shared idle pool plus a per-node idle map, bounded warm-up, health-probed
// acquire/release.
//
// The lifecycle (warm up to pool_min, acquire up to pool_max, destroy on
// failed health probe) is grounded on tternquist-beyond-ads-dns's
// NewRedisCache, which configures go-redis's own pool (PoolSize,
// MinIdleConns, ConnMaxIdleTime) per backend mode; this package generalizes
// that configuration surface into an explicit, engine-agnostic pool so the
// same bounds apply whether the underlying client is a *redis.Client, a
// *redis.ClusterClient, or a *redis.FailoverClient (go-redis's
// UniversalClient already pools internally, but spec.md §4.2 requires an
// explicit pool with per-node idle tracking for the Cluster Router to
// observe, so this layer owns admission control and delegates transport to
// go-redis).
package pool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	uuid "github.com/satori/go.uuid"

	"github.com/stumble/cachekit/enginecore"
)

// Conn is a pooled connection handle. Dial/Ping/Destroy are supplied by the
// caller (typically wrapping a go-redis client) so this package stays
// transport-agnostic.
type Conn interface {
	// Ping performs (or simulates) a health probe.
	Ping(ctx context.Context) error
	// NodeAddr is the "host:port" this connection is bound to, or "" for
	// the shared (non-cluster) pool.
	NodeAddr() string
	// Destroy releases any underlying transport resource.
	Destroy() error
}

// Dialer creates a new Conn, optionally bound to a specific node address.
type Dialer func(ctx context.Context, nodeAddr string) (Conn, error)

// Config bounds the pool. Min must be <= Max (§9 open question: this spec
// rejects pool_min > pool_max at construction instead of leaving it
// undefined).
type Config struct {
	Min            int
	Max            int
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// handle wraps a Conn with bookkeeping the pool needs.
type handle struct {
	conn Conn
	id   string
}

// Pool manages idle connections for the remote engine.
type Pool struct {
	mu sync.Mutex

	dial   Dialer
	cfg    Config
	shared []*handle
	byNode map[string][]*handle
	total  int
}

// New constructs a Pool and performs warm-up to cfg.Min. It rejects
// Min > Max (§9).
func New(ctx context.Context, dial Dialer, cfg Config) (*Pool, error) {
	if cfg.Min > cfg.Max {
		return nil, fmt.Errorf("pool: pool_min (%d) > pool_max (%d)", cfg.Min, cfg.Max)
	}
	if cfg.Max <= 0 {
		return nil, fmt.Errorf("pool: pool_max must be > 0")
	}
	p := &Pool{
		dial:   dial,
		cfg:    cfg,
		byNode: make(map[string][]*handle),
	}
	for i := 0; i < cfg.Min; i++ {
		c, err := dial(ctx, "")
		if err != nil {
			log.Warn().Err(err).Msg("pool: warm-up dial failed, continuing with fewer connections")
			break
		}
		p.shared = append(p.shared, &handle{conn: c, id: uuid.NewV4().String()})
		p.total++
	}
	return p, nil
}

// popIdleLocked removes and returns the most recently released idle
// connection for nodeAddr, if any. Caller holds p.mu.
func (p *Pool) popIdleLocked(nodeAddr string) (*handle, bool) {
	if nodeAddr == "" {
		n := len(p.shared)
		if n == 0 {
			return nil, false
		}
		h := p.shared[n-1]
		p.shared = p.shared[:n-1]
		return h, true
	}
	bucket := p.byNode[nodeAddr]
	n := len(bucket)
	if n == 0 {
		return nil, false
	}
	h := bucket[n-1]
	p.byNode[nodeAddr] = bucket[:n-1]
	return h, true
}

// pushIdleLocked returns a connection to its node's idle bucket. Caller
// holds p.mu.
func (p *Pool) pushIdleLocked(h *handle) {
	if h.conn.NodeAddr() == "" {
		p.shared = append(p.shared, h)
		return
	}
	addr := h.conn.NodeAddr()
	p.byNode[addr] = append(p.byNode[addr], h)
}

// Acquire returns an idle connection for nodeAddr after a successful ping,
// creating a new one if the pool has capacity, else failing with
// ErrPoolExhausted (§4.2). nodeAddr == "" uses the shared (non-cluster) pool.
func (p *Pool) Acquire(ctx context.Context, nodeAddr string) (Conn, error) {
	p.mu.Lock()
	for {
		h, ok := p.popIdleLocked(nodeAddr)
		if !ok {
			break
		}
		p.mu.Unlock()

		pingCtx := ctx
		var cancel context.CancelFunc
		if p.cfg.ConnectTimeout > 0 {
			pingCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
		}
		err := h.conn.Ping(pingCtx)
		if cancel != nil {
			cancel()
		}
		if err == nil {
			return h.conn, nil
		}
		_ = h.conn.Destroy()
		p.mu.Lock()
		p.total--
	}
	if p.total >= p.cfg.Max {
		p.mu.Unlock()
		return nil, enginecore.ErrPoolExhausted
	}
	p.total++
	p.mu.Unlock()

	dialCtx := ctx
	var cancel context.CancelFunc
	if p.cfg.ConnectTimeout > 0 {
		dialCtx, cancel = context.WithTimeout(ctx, p.cfg.ConnectTimeout)
	}
	conn, err := p.dial(dialCtx, nodeAddr)
	if cancel != nil {
		cancel()
	}
	if err != nil {
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return nil, fmt.Errorf("pool: dial %s: %w: %v", nodeAddr, enginecore.ErrConnectionFailed, err)
	}
	return conn, nil
}

// Release returns conn to the pool after a health probe; unhealthy
// connections are destroyed instead, and the pool is trimmed to Max on
// return (§4.2).
func (p *Pool) Release(ctx context.Context, conn Conn) {
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Destroy()
		p.mu.Lock()
		p.total--
		p.mu.Unlock()
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.total > p.cfg.Max {
		_ = conn.Destroy()
		p.total--
		return
	}
	p.pushIdleLocked(&handle{conn: conn, id: uuid.NewV4().String()})
}

// Discard destroys conn without returning it to the pool; used when a
// connection cannot be safely reused (e.g. cancelled mid-response, §5).
func (p *Pool) Discard(conn Conn) {
	_ = conn.Destroy()
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
}

// Shutdown destroys every idle connection. In-flight connections are not
// tracked by the pool and must be released by their callers first.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, h := range p.shared {
		_ = h.conn.Destroy()
	}
	p.shared = nil
	for addr, hs := range p.byNode {
		for _, h := range hs {
			_ = h.conn.Destroy()
		}
		delete(p.byNode, addr)
	}
	p.total = 0
}

// Stats reports the current idle/total counts.
type Stats struct {
	Idle  int
	Total int
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	idle := len(p.shared)
	for _, hs := range p.byNode {
		idle += len(hs)
	}
	return Stats{Idle: idle, Total: p.total}
}
