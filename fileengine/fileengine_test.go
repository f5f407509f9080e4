package fileengine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/cachekit/enginecore"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := New(Config{Root: t.TempDir()})
	require.NoError(t, err)
	return e
}

func TestFileEngineSetGetDelete(t *testing.T) {
	e := newTestEngine(t)
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

func TestFileEngineGetInvalidKeyPropagates(t *testing.T) {
	e := newTestEngine(t)
	_, _, err := e.Get(context.Background(), "")
	assert.ErrorIs(t, err, enginecore.ErrInvalidKey)
}

func TestFileEngineExpiredEntryIsMissAndRemoved(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "k", []byte("v"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	_, ok, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)

	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n, "expired file must be removed on read")
}

func TestFileEngineAddIsSetIfAbsent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	ok, err := e.Add(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.Add(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	v, _, err := e.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), v)
}

func TestFileEngineIncrementValidatesKeyAndType(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Increment(ctx, "bad:key", 1)
	assert.ErrorIs(t, err, enginecore.ErrInvalidKey)

	require.NoError(t, e.Set(ctx, "notanumber", []byte("abc"), 0))
	_, err = e.Increment(ctx, "notanumber", 1)
	assert.ErrorIs(t, err, enginecore.ErrTypeMismatch)

	n, err := e.Increment(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	n, err = e.Increment(ctx, "counter", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestFileEngineGetMultipleNeverFailsWholesale(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "good", []byte("v"), 0))

	out, err := e.GetMultiple(ctx, []string{"good", "bad:key", "absent"})
	require.NoError(t, err)
	assert.Equal(t, map[string][]byte{"good": []byte("v")}, out)
}

func TestFileEngineDeleteMultipleNeverFailsWholesale(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	n, err := e.DeleteMultiple(ctx, []string{"a", "bad:key", "b", "absent"})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestFileEngineClearRemovesAllShards(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "a", []byte("1"), 0))
	require.NoError(t, e.Set(ctx, "b", []byte("2"), 0))

	require.NoError(t, e.Clear(ctx))
	n, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), n)
}

func TestFileEngineCleanupReclaimsExpired(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Set(ctx, "short", []byte("v"), time.Millisecond))
	require.NoError(t, e.Set(ctx, "long", []byte("v"), time.Hour))
	time.Sleep(5 * time.Millisecond)

	n, err := e.Cleanup(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), n)

	count, err := e.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), count)
}
