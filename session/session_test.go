package session

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cachekit "github.com/stumble/cachekit"
	"github.com/stumble/cachekit/memengine"
	"github.com/stumble/cachekit/selector"
)

func newTestCache() *cachekit.Cache {
	sel := selector.New("memory")
	sel.Register(memengine.New())
	return cachekit.New(sel)
}

func TestValidateSID(t *testing.T) {
	good, err := CreateSID()
	require.NoError(t, err)
	assert.True(t, ValidateSID(good))
	assert.False(t, ValidateSID("too-short"))
	assert.False(t, ValidateSID("has a space in it that is long enough to pass length 2222"))
}

func TestWriteThenReadPreservesCreatedAt(t *testing.T) {
	c := newTestCache()
	h := New(c)
	ctx := context.Background()
	sid, err := CreateSID()
	require.NoError(t, err)

	ok := h.Write(ctx, sid, []byte("payload-1"), time.Minute)
	require.True(t, ok)

	rec, found := h.Read(ctx, sid, time.Second)
	require.True(t, found)
	assert.Equal(t, []byte("payload-1"), rec.Data)
	firstCreated := rec.CreatedAt

	ok = h.Write(ctx, sid, []byte("payload-2"), time.Minute)
	require.True(t, ok)

	rec2, found := h.Read(ctx, sid, time.Second)
	require.True(t, found)
	assert.Equal(t, []byte("payload-2"), rec2.Data)
	assert.Equal(t, firstCreated, rec2.CreatedAt, "created_at must survive a rewrite")
}

func TestReadOnAbsentSessionIsMiss(t *testing.T) {
	c := newTestCache()
	h := New(c)
	sid, err := CreateSID()
	require.NoError(t, err)

	_, found := h.Read(context.Background(), sid, time.Second)
	assert.False(t, found)
}

func TestDestroyRemovesRecordAndLock(t *testing.T) {
	c := newTestCache()
	h := New(c)
	ctx := context.Background()
	sid, err := CreateSID()
	require.NoError(t, err)

	require.True(t, h.Write(ctx, sid, []byte("data"), time.Minute))
	ok := h.Destroy(ctx, sid)
	assert.True(t, ok)

	_, found := h.Read(ctx, sid, time.Second)
	assert.False(t, found)
}

// TestLockIsMutuallyExclusive exercises scenario S5: of N concurrent lockers
// racing for the same session id, exactly one acquires it at a time, and the
// rest succeed only after the holder releases.
func TestLockIsMutuallyExclusive(t *testing.T) {
	c := newTestCache()
	h := New(c)
	ctx := context.Background()
	sid, err := CreateSID()
	require.NoError(t, err)

	const n = 8
	var holders atomic.Int32
	var maxConcurrent atomic.Int32
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if !h.Lock(ctx, sid, 2*time.Second) {
				t.Errorf("lock acquisition failed within timeout")
				return
			}
			cur := holders.Add(1)
			for {
				prev := maxConcurrent.Load()
				if cur <= prev || maxConcurrent.CompareAndSwap(prev, cur) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			holders.Add(-1)
			h.Unlock(ctx, sid)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), maxConcurrent.Load(), "lock must never be held by more than one goroutine at once")
}

func TestLockTimesOutWhenHeld(t *testing.T) {
	c := newTestCache()
	h := New(c)
	ctx := context.Background()
	sid, err := CreateSID()
	require.NoError(t, err)

	require.True(t, h.Lock(ctx, sid, time.Minute))
	defer h.Unlock(ctx, sid)

	start := time.Now()
	ok := h.Lock(ctx, sid, 150*time.Millisecond)
	assert.False(t, ok)
	assert.GreaterOrEqual(t, time.Since(start), 150*time.Millisecond)
}

func TestGCReleasesStaleLocallyHeldLocks(t *testing.T) {
	c := newTestCache()
	now := time.Now()
	clock := func() time.Time { return now }
	h := New(c, WithClock(clock))
	ctx := context.Background()
	sid, err := CreateSID()
	require.NoError(t, err)

	require.True(t, h.Lock(ctx, sid, time.Hour))

	now = now.Add(10 * time.Minute)
	n := h.GC(ctx, 5*time.Minute)
	assert.Equal(t, 1, n)

	// Lock key itself is expired/released; a fresh Lock should now succeed
	// immediately.
	ok := h.Lock(ctx, sid, time.Second)
	assert.True(t, ok)
}
