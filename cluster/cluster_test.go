package cluster

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/cachekit/enginecore"
)

func replicaNodes() []Node {
	return []Node{
		{Host: "master", Port: 6379, Role: RoleMaster, Weight: 1},
		{Host: "slave1", Port: 6379, Role: RoleSlave, Weight: 1},
		{Host: "slave2", Port: 6379, Role: RoleSlave, Weight: 1},
	}
}

func TestNewValidatesReplicaRequiresMaster(t *testing.T) {
	_, err := New(Config{Type: TypeReplica}, []Node{{Host: "s", Port: 1, Role: RoleSlave}}, nil, nil)
	assert.ErrorIs(t, err, enginecore.ErrClusterMisconfigured)
}

func TestNewValidatesSentinelRequiresMaster(t *testing.T) {
	_, err := New(Config{Type: TypeSentinel}, []Node{{Host: "s", Port: 1, Role: RoleSentinel}}, nil, nil)
	assert.ErrorIs(t, err, enginecore.ErrClusterMisconfigured)
}

func TestNewRejectsUnknownType(t *testing.T) {
	_, err := New(Config{Type: "bogus"}, replicaNodes(), nil, nil)
	assert.ErrorIs(t, err, enginecore.ErrClusterMisconfigured)
}

func TestWriteNodeAlwaysReturnsMaster(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferPrimary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	n, err := r.WriteNode()
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, n.Role)
}

func TestReadNodePreferPrimaryReturnsMaster(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferPrimary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	n, err := r.ReadNode()
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, n.Role)
}

func TestReadNodePreferSecondaryReturnsSlave(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferSecondary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		n, err := r.ReadNode()
		require.NoError(t, err)
		assert.Equal(t, RoleSlave, n.Role)
	}
}

// TestReadNodeFailsOverWhenNoHealthySlave exercises scenario S4: once every
// slave is marked unhealthy, PreferSecondary must report ErrNoHealthyNode so
// the remote engine's caller can fall through to the write node.
func TestReadNodeFailsOverWhenNoHealthySlave(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferSecondary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	for _, n := range r.Nodes() {
		if n.Role == RoleSlave {
			r.MarkNodeUnhealthy(n.Addr())
		}
	}

	_, err = r.ReadNode()
	assert.ErrorIs(t, err, enginecore.ErrNoHealthyNode)

	// The master is unaffected and still routes writes.
	wn, err := r.WriteNode()
	require.NoError(t, err)
	assert.Equal(t, RoleMaster, wn.Role)
}

func TestWriteNodeFailsWhenMasterUnhealthy(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferPrimary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	for _, n := range r.Nodes() {
		if n.Role == RoleMaster {
			r.MarkNodeUnhealthy(n.Addr())
		}
	}

	_, err = r.WriteNode()
	assert.ErrorIs(t, err, enginecore.ErrNoHealthyNode)
}

func TestMarkNodeHealthyRecoversRouting(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferPrimary}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	master := r.Nodes()[0]
	for _, n := range r.Nodes() {
		if n.Role == RoleMaster {
			master = n
		}
	}
	r.MarkNodeUnhealthy(master.Addr())
	_, err = r.WriteNode()
	assert.Error(t, err)

	r.markNodeHealthy(master.Addr()) // resets status to active
	n, err := r.WriteNode()
	require.NoError(t, err)
	assert.Equal(t, master.Addr(), n.Addr())
}

func TestReadNodeAnyDrawsFromAllHealthyNodes(t *testing.T) {
	r, err := New(Config{Type: TypeReplica, ReadPreference: PreferAny}, replicaNodes(), nil, nil)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		n, err := r.ReadNode()
		require.NoError(t, err)
		seen[n.Addr()] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2, "weighted-random over all nodes should eventually hit more than one")
}
