package cachekit

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stumble/cachekit/cluster"
	"github.com/stumble/cachekit/memengine"
)

// Config is the closed configuration record populated from the environment
// keys in spec.md §6. It replaces reflective iteration over a dynamic
// configuration array (spec.md design notes) with explicit, enumerated
// fields.
type Config struct {
	Engine       string // CACHE_ENGINE
	DefaultStore string // CACHE_DEFAULT_STORE

	AsyncThreshold int           // CACHE_ASYNC_THRESHOLD
	BatchSize      int           // CACHE_BATCH_SIZE
	MemoryLimit    uint64        // CACHE_MEMORY_LIMIT
	TTLDefault     time.Duration // CACHE_TTL_DEFAULT

	Redis RedisConfig

	ClusterEnabled Cluster

	MemoryMaxSize        uint64        // CACHE_MEMORY_MAX_SIZE
	MemoryCleanupInterval time.Duration // CACHE_MEMORY_CLEANUP_INTERVAL

	File FileConfig
}

// RedisConfig bundles CACHE_REDIS_* keys.
type RedisConfig struct {
	Host       string
	Port       int
	Password   string
	Database   int
	PoolMin    int
	PoolMax    int
	Timeout    time.Duration
	RetryDelay time.Duration

	// L0Enabled/L0SizeBytes configure remoteengine's process-local freecache
	// lookaside (not part of spec.md's environment key table; defaults off).
	L0Enabled   bool
	L0SizeBytes int
}

// Cluster bundles REDIS_CLUSTER_* keys.
type Cluster struct {
	Enabled       bool
	Type          cluster.Type
	AutoDiscovery bool
	ReadPreference cluster.ReadPreference
	Nodes         []cluster.Node
}

// FileConfig bundles CACHE_FILE_* keys.
type FileConfig struct {
	Path        string
	Permissions os.FileMode
}

// DefaultConfig mirrors the defaults table in spec.md §6.
func DefaultConfig() Config {
	return Config{
		Engine:                 "auto",
		DefaultStore:           "redis",
		AsyncThreshold:         1000,
		BatchSize:              100,
		MemoryLimit:            256 << 20,
		TTLDefault:             3600 * time.Second,
		Redis: RedisConfig{
			Host:       "127.0.0.1",
			Port:       6379,
			PoolMin:    5,
			PoolMax:    20,
			Timeout:    30 * time.Second,
			RetryDelay: 100 * time.Millisecond,
		},
		ClusterEnabled: Cluster{
			Enabled:       false,
			Type:          cluster.TypeCluster,
			ReadPreference: cluster.PreferPrimary,
		},
		MemoryMaxSize:          memengine.DefaultBudgetBytes,
		MemoryCleanupInterval:  memengine.DefaultCleanupInterval,
		File: FileConfig{
			Path:        "storage/cache",
			Permissions: 0o755,
		},
	}
}

// LoadConfigFromEnv reads the environment keys in spec.md §6 on top of
// DefaultConfig, using small typed helpers rather than reflective iteration
// over a generic key list.
func LoadConfigFromEnv() (Config, error) {
	cfg := DefaultConfig()

	cfg.Engine = envString("CACHE_ENGINE", cfg.Engine)
	cfg.DefaultStore = envString("CACHE_DEFAULT_STORE", cfg.DefaultStore)
	cfg.AsyncThreshold = envInt("CACHE_ASYNC_THRESHOLD", cfg.AsyncThreshold)
	cfg.BatchSize = envInt("CACHE_BATCH_SIZE", cfg.BatchSize)

	if v, ok := os.LookupEnv("CACHE_MEMORY_LIMIT"); ok {
		n, err := memengine.ParseBudget(v)
		if err != nil {
			return cfg, fmt.Errorf("cachekit: CACHE_MEMORY_LIMIT: %w", err)
		}
		cfg.MemoryLimit = n
	}
	cfg.TTLDefault = envSeconds("CACHE_TTL_DEFAULT", cfg.TTLDefault)

	cfg.Redis.Host = envString("CACHE_REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = envInt("CACHE_REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = envString("CACHE_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.Database = envInt("CACHE_REDIS_DATABASE", cfg.Redis.Database)
	cfg.Redis.PoolMin = envInt("CACHE_REDIS_POOL_MIN", cfg.Redis.PoolMin)
	cfg.Redis.PoolMax = envInt("CACHE_REDIS_POOL_MAX", cfg.Redis.PoolMax)
	cfg.Redis.Timeout = envSeconds("CACHE_REDIS_TIMEOUT", cfg.Redis.Timeout)
	cfg.Redis.RetryDelay = envMillis("CACHE_REDIS_RETRY_DELAY", cfg.Redis.RetryDelay)
	cfg.Redis.L0Enabled = envBool("CACHE_REDIS_L0_ENABLED", cfg.Redis.L0Enabled)
	if v, ok := os.LookupEnv("CACHE_REDIS_L0_SIZE"); ok {
		n, err := memengine.ParseBudget(v)
		if err != nil {
			return cfg, fmt.Errorf("cachekit: CACHE_REDIS_L0_SIZE: %w", err)
		}
		cfg.Redis.L0SizeBytes = int(n)
	}

	cfg.ClusterEnabled.Enabled = envBool("REDIS_CLUSTER_ENABLED", cfg.ClusterEnabled.Enabled)
	cfg.ClusterEnabled.Type = cluster.Type(envString("REDIS_CLUSTER_TYPE", string(cfg.ClusterEnabled.Type)))
	cfg.ClusterEnabled.AutoDiscovery = envBool("REDIS_CLUSTER_AUTO_DISCOVERY", cfg.ClusterEnabled.AutoDiscovery)
	cfg.ClusterEnabled.ReadPreference = cluster.ReadPreference(envString("REDIS_CLUSTER_READ_PREFERENCE", string(cfg.ClusterEnabled.ReadPreference)))
	if nodes, ok := os.LookupEnv("REDIS_CLUSTER_NODES"); ok {
		parsed, err := parseClusterNodes(nodes)
		if err != nil {
			return cfg, err
		}
		cfg.ClusterEnabled.Nodes = parsed
	}

	if v, ok := os.LookupEnv("CACHE_MEMORY_MAX_SIZE"); ok {
		n, err := memengine.ParseBudget(v)
		if err != nil {
			return cfg, fmt.Errorf("cachekit: CACHE_MEMORY_MAX_SIZE: %w", err)
		}
		cfg.MemoryMaxSize = n
	}
	cfg.MemoryCleanupInterval = envSeconds("CACHE_MEMORY_CLEANUP_INTERVAL", cfg.MemoryCleanupInterval)

	cfg.File.Path = envString("CACHE_FILE_PATH", cfg.File.Path)
	if v, ok := os.LookupEnv("CACHE_FILE_PERMISSIONS"); ok {
		n, err := strconv.ParseUint(v, 8, 32)
		if err != nil {
			return cfg, fmt.Errorf("cachekit: CACHE_FILE_PERMISSIONS: %w", err)
		}
		cfg.File.Permissions = os.FileMode(n)
	}

	return cfg, nil
}

// parseClusterNodes parses "host:port[:role[:priority[:weight]]],..." per
// REDIS_CLUSTER_NODES (§6).
func parseClusterNodes(raw string) ([]cluster.Node, error) {
	var nodes []cluster.Node
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		fields := strings.Split(part, ":")
		if len(fields) < 2 {
			return nil, fmt.Errorf("cachekit: invalid REDIS_CLUSTER_NODES entry %q", part)
		}
		port, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, fmt.Errorf("cachekit: invalid port in REDIS_CLUSTER_NODES entry %q: %w", part, err)
		}
		n := cluster.Node{Host: fields[0], Port: port, Role: cluster.RoleUnknown, Weight: 1, Status: cluster.StatusActive}
		if len(fields) >= 3 && fields[2] != "" {
			n.Role = cluster.Role(fields[2])
		}
		if len(fields) >= 4 && fields[3] != "" {
			p, err := strconv.Atoi(fields[3])
			if err != nil {
				return nil, fmt.Errorf("cachekit: invalid priority in REDIS_CLUSTER_NODES entry %q: %w", part, err)
			}
			n.Priority = int32(p)
		}
		if len(fields) >= 5 && fields[4] != "" {
			w, err := strconv.ParseUint(fields[4], 10, 32)
			if err != nil {
				return nil, fmt.Errorf("cachekit: invalid weight in REDIS_CLUSTER_NODES entry %q: %w", part, err)
			}
			n.Weight = uint32(w)
		}
		nodes = append(nodes, n)
	}
	return nodes, nil
}

func envString(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v, ok := os.LookupEnv(key); ok {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func envSeconds(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Second
		}
	}
	return def
}

func envMillis(key string, def time.Duration) time.Duration {
	if v, ok := os.LookupEnv(key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return time.Duration(n) * time.Millisecond
		}
	}
	return def
}
