// Package cluster classifies remote nodes by role and routes read/write
// traffic, tracking node health and supporting auto-discovery.
//
// The three supported topologies (cluster / sentinel / replica) and their
// minimum-node validation rules are grounded on tternquist-beyond-ads-dns's
// NewRedisCache, which already branches construction on a "standalone" /
// "sentinel" / "cluster" mode string and requires MasterName+SentinelAddrs
// for sentinel and ClusterAddrs for cluster; this package lifts that
// validation into a reusable, backend-agnostic router so the remote engine
// can ask it "which node do I read/write" independently of go-redis's own
// UniversalClient routing.
package cluster

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/stumble/cachekit/enginecore"
)

// Role is a node's replication role (§3 Data Model).
type Role string

const (
	RoleMaster   Role = "master"
	RoleSlave    Role = "slave"
	RoleSentinel Role = "sentinel"
	RoleUnknown  Role = "unknown"
)

// Status is a node's health status.
type Status string

const (
	StatusActive    Status = "active"
	StatusUnhealthy Status = "unhealthy"
)

// Type is the cluster topology kind.
type Type string

const (
	TypeCluster Type = "cluster"
	TypeSentinel Type = "sentinel"
	TypeReplica Type = "replica"
)

// ReadPreference governs read_node()'s selection policy (§4.2).
type ReadPreference string

const (
	PreferPrimary   ReadPreference = "primary"
	PreferSecondary ReadPreference = "secondary"
	PreferAny       ReadPreference = "any"
)

// Node is a node descriptor (§3 Data Model). Uniqueness key is Host:Port.
type Node struct {
	Host      string
	Port      int
	Role      Role
	Priority  int32
	Weight    uint32
	Status    Status
	LastCheck time.Time
}

// Addr returns the "host:port" uniqueness key.
func (n *Node) Addr() string { return fmt.Sprintf("%s:%d", n.Host, n.Port) }

// Config is the cluster configuration (§3 Data Model).
type Config struct {
	Type                Type
	ReadPreference       ReadPreference
	WriteConcern         string
	ConnectTimeout       time.Duration
	ReadTimeout          time.Duration
	RetryAttempts        int
	RetryDelay           time.Duration
	HealthCheckInterval  time.Duration
	AutoDiscovery        bool
}

// Discoverer is the pluggable, backend-specific auto-discovery routine
// (§4.2: "CLUSTER NODES" for Redis Cluster, "SENTINEL masters/slaves" for
// sentinel). The router calls it once at initialization when AutoDiscovery
// is enabled and replaces its node set with the result.
type Discoverer func(ctx context.Context) ([]Node, error)

// Prober is a backend-specific health-check call used by the out-of-band
// health-check loop.
type Prober func(ctx context.Context, n Node) error

// Router classifies nodes and routes read/write traffic. Node state changes
// through MarkNodeUnhealthy/markNodeHealthy, AddNode, RemoveNode and Start's
// auto-discovery replacement; each takes the write lock and may run
// concurrently with routing (§5).
type Router struct {
	mu    sync.RWMutex
	cfg   Config
	nodes map[string]*Node

	discover Discoverer
	probe    Prober

	stopHealth chan struct{}
	healthWG   sync.WaitGroup
}

// New constructs a Router from an initial node set and validates it (§4.2).
func New(cfg Config, nodes []Node, discover Discoverer, probe Prober) (*Router, error) {
	r := &Router{
		cfg:      cfg,
		nodes:    make(map[string]*Node, len(nodes)),
		discover: discover,
		probe:    probe,
	}
	for i := range nodes {
		n := nodes[i]
		if n.Status == "" {
			n.Status = StatusActive
		}
		r.nodes[n.Addr()] = &n
	}
	if err := r.validateLocked(); err != nil {
		return nil, err
	}
	return r, nil
}

// Start runs auto-discovery once (if enabled) and launches the out-of-band
// health-check loop (if HealthCheckInterval > 0 and a Prober is set).
func (r *Router) Start(ctx context.Context) error {
	if r.cfg.AutoDiscovery && r.discover != nil {
		nodes, err := r.discover(ctx)
		if err != nil {
			return fmt.Errorf("cluster: auto-discovery: %w", err)
		}
		r.mu.Lock()
		r.nodes = make(map[string]*Node, len(nodes))
		for i := range nodes {
			n := nodes[i]
			if n.Status == "" {
				n.Status = StatusActive
			}
			r.nodes[n.Addr()] = &n
		}
		err = r.validateLocked()
		r.mu.Unlock()
		if err != nil {
			return err
		}
	}
	if r.cfg.HealthCheckInterval > 0 && r.probe != nil {
		r.stopHealth = make(chan struct{})
		r.healthWG.Add(1)
		go r.healthLoop(ctx)
	}
	return nil
}

// Stop terminates the health-check loop, grounded on dcache's
// cancel()+wg.Wait() shutdown pattern for its background goroutines.
func (r *Router) Stop() {
	if r.stopHealth != nil {
		close(r.stopHealth)
		r.healthWG.Wait()
	}
}

func (r *Router) healthLoop(ctx context.Context) {
	defer r.healthWG.Done()
	ticker := time.NewTicker(r.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			r.runHealthChecks(ctx)
		case <-r.stopHealth:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Router) runHealthChecks(ctx context.Context) {
	r.mu.RLock()
	snapshot := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		snapshot = append(snapshot, *n)
	}
	r.mu.RUnlock()

	for _, n := range snapshot {
		err := r.probe(ctx, n)
		if err != nil {
			r.MarkNodeUnhealthy(n.Addr())
			log.Warn().Str("node", n.Addr()).Err(err).Msg("cluster: health probe failed")
			continue
		}
		r.markNodeHealthy(n.Addr())
	}
}

// validateLocked enforces cluster-type minimums (§4.2). Caller holds r.mu
// for write, or holds no lock at all during New() before concurrent access
// is possible.
func (r *Router) validateLocked() error {
	var masters, slaves, sentinels int
	for _, n := range r.nodes {
		switch n.Role {
		case RoleMaster:
			masters++
		case RoleSlave:
			slaves++
		case RoleSentinel:
			sentinels++
		}
	}
	switch r.cfg.Type {
	case TypeCluster:
		if len(r.nodes) < 3 {
			log.Warn().Int("nodes", len(r.nodes)).Msg("cluster: fewer than 3 nodes configured for cluster type")
		}
	case TypeSentinel:
		if sentinels < 3 {
			log.Warn().Int("sentinels", sentinels).Msg("cluster: fewer than 3 sentinels configured")
		}
		if masters == 0 {
			return fmt.Errorf("cluster: sentinel config missing master: %w", enginecore.ErrClusterMisconfigured)
		}
	case TypeReplica:
		if masters == 0 {
			return fmt.Errorf("cluster: replica config missing master: %w", enginecore.ErrClusterMisconfigured)
		}
		if slaves == 0 {
			log.Warn().Msg("cluster: replica config has no slaves")
		}
	default:
		return fmt.Errorf("cluster: unknown cluster type %q: %w", r.cfg.Type, enginecore.ErrClusterMisconfigured)
	}
	return nil
}

// healthyByRole returns healthy nodes matching role, or all healthy nodes if
// role == "".
func (r *Router) healthyByRole(role Role) []*Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		if n.Status != StatusActive {
			continue
		}
		if role != "" && n.Role != role {
			continue
		}
		out = append(out, n)
	}
	// Deterministic ordering before weighted draw so the same random seed
	// always picks the same node in tests.
	sort.Slice(out, func(i, j int) bool { return out[i].Addr() < out[j].Addr() })
	return out
}

// weightedPick draws r in [1, sum(weights)] and returns the first node whose
// cumulative weight >= r (§4.2).
func weightedPick(nodes []*Node) *Node {
	if len(nodes) == 0 {
		return nil
	}
	var total uint32
	for _, n := range nodes {
		total += n.Weight
	}
	if total == 0 {
		return nodes[0]
	}
	draw := uint32(rand.Intn(int(total))) + 1
	var cum uint32
	for _, n := range nodes {
		cum += n.Weight
		if cum >= draw {
			return n
		}
	}
	return nodes[len(nodes)-1]
}

// ReadNode selects the node for a read, per ReadPreference (§4.2):
//   - primary: the master
//   - secondary: weighted-random among healthy slaves
//   - any: weighted-random among all healthy nodes
//
// Returns enginecore.ErrNoHealthyNode if no node satisfies the preference;
// callers (the remote engine's get_read_connection) fall through to the
// generic WriteNode/shared-pool acquire path on that error.
func (r *Router) ReadNode() (*Node, error) {
	switch r.cfg.ReadPreference {
	case PreferSecondary:
		if n := weightedPick(r.healthyByRole(RoleSlave)); n != nil {
			return n, nil
		}
	case PreferAny:
		if n := weightedPick(r.healthyByRole("")); n != nil {
			return n, nil
		}
	default: // primary
		if n := weightedPick(r.healthyByRole(RoleMaster)); n != nil {
			return n, nil
		}
	}
	return nil, enginecore.ErrNoHealthyNode
}

// WriteNode always returns the (healthy) master (§4.2).
func (r *Router) WriteNode() (*Node, error) {
	masters := r.healthyByRole(RoleMaster)
	if len(masters) == 0 {
		return nil, enginecore.ErrNoHealthyNode
	}
	return masters[0], nil
}

// MarkNodeUnhealthy flips a node to unhealthy; safe to call concurrently
// with routing (§5).
func (r *Router) MarkNodeUnhealthy(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[addr]; ok {
		n.Status = StatusUnhealthy
		n.LastCheck = time.Now()
	}
}

func (r *Router) markNodeHealthy(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if n, ok := r.nodes[addr]; ok {
		n.Status = StatusActive
		n.LastCheck = time.Now()
	}
}

// RemoveNode destroys a node descriptor.
func (r *Router) RemoveNode(addr string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.nodes, addr)
}

// AddNode registers a new node descriptor (e.g. discovered at runtime).
func (r *Router) AddNode(n Node) {
	if n.Status == "" {
		n.Status = StatusActive
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodes[n.Addr()] = &n
}

// Nodes returns a snapshot of all known node descriptors.
func (r *Router) Nodes() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Node, 0, len(r.nodes))
	for _, n := range r.nodes {
		out = append(out, *n)
	}
	return out
}
