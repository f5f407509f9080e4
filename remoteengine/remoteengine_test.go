package remoteengine

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/cachekit/enginecore"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *miniredis.Miniredis) {
	t.Helper()
	srv := miniredis.RunT(t)
	cfg.Mode = ModeStandalone
	cfg.Addr = srv.Addr()
	e, err := New(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e, srv
}

func TestRemoteEngineSetGetDelete(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	deleted, err := e.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, deleted)

	_, ok, err = e.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEngineGetInvalidKeyPropagates(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	_, _, err := e.Get(context.Background(), "bad:key")
	assert.ErrorIs(t, err, enginecore.ErrInvalidKey)
}

func TestRemoteEngineAddIsSetIfAbsent(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	ok, err := e.Add(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Add(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRemoteEngineIncrementTypeMismatch(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "notanumber", []byte("abc"), 0))
	_, err := e.Increment(ctx, "notanumber", 1)
	assert.ErrorIs(t, err, enginecore.ErrTypeMismatch)

	n, err := e.Increment(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestRemoteEngineGetMultipleAndSetMultiple(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()

	n, err := e.SetMultiple(ctx, map[string][]byte{
		"a": []byte("1"),
		"b": []byte("2"),
	}, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	out, err := e.GetMultiple(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, out)
}

func TestRemoteEngineDeleteMultiple(t *testing.T) {
	e, _ := newTestEngine(t, Config{})
	ctx := context.Background()
	_, err := e.SetMultiple(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, 0)
	require.NoError(t, err)

	n, err := e.DeleteMultiple(ctx, []string{"a", "b", "missing"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

// TestL0ServesAfterBackendGone exercises the process-local lookaside: once a
// value has been written through the engine with L0 enabled, reads must keep
// succeeding even after the Redis backend disappears.
func TestL0ServesAfterBackendGone(t *testing.T) {
	e, srv := newTestEngine(t, Config{L0Enabled: true, L0SizeBytes: 1 << 20})
	ctx := context.Background()

	require.NoError(t, e.Set(ctx, "k", []byte("v"), time.Minute))
	srv.Close()

	v, ok, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok, "L0 must serve the value once the backend is gone")
	assert.Equal(t, []byte("v"), v)
}

// TestL0CrossInstanceInvalidation exercises the pub/sub invalidation path: a
// write from one engine instance must evict the stale value cached in a
// sibling instance's L0, both sharing the same Redis backend.
func TestL0CrossInstanceInvalidation(t *testing.T) {
	srv := miniredis.RunT(t)
	ctx := context.Background()

	cfgA := Config{Mode: ModeStandalone, Addr: srv.Addr(), L0Enabled: true, L0SizeBytes: 1 << 20}
	a, err := New(ctx, cfgA)
	require.NoError(t, err)
	defer a.Close()

	cfgB := cfgA
	b, err := New(ctx, cfgB)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, a.Set(ctx, "shared", []byte("v1"), time.Minute))
	// Prime B's L0 with the original value.
	v, ok, err := b.Get(ctx, "shared")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, []byte("v1"), v)

	require.NoError(t, a.Set(ctx, "shared", []byte("v2"), time.Minute))

	assert.Eventually(t, func() bool {
		v, ok, err := b.Get(ctx, "shared")
		return err == nil && ok && string(v) == "v2"
	}, time.Second, 10*time.Millisecond, "B's L0 must be invalidated by A's write")
}
