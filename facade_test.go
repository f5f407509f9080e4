package cachekit

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/cachekit/enginecore"
	"github.com/stumble/cachekit/memengine"
	"github.com/stumble/cachekit/selector"
)

func newTestCache() *Cache {
	sel := selector.New("memory")
	sel.Register(memengine.New())
	return New(sel)
}

func TestFacadeSetGetRoundTrip(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	v, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)
}

func TestFacadeGetInvalidKeyPropagates(t *testing.T) {
	c := newTestCache()
	_, ok, err := c.Get(context.Background(), "has:colon")
	assert.False(t, ok)
	assert.ErrorIs(t, err, enginecore.ErrInvalidKey)
}

func TestFacadeSetInvalidKeyPropagates(t *testing.T) {
	c := newTestCache()
	err := c.Set(context.Background(), "", []byte("v"), 0)
	assert.ErrorIs(t, err, enginecore.ErrInvalidKey)
}

func TestFacadeEngineUnavailableDegradesGetToMiss(t *testing.T) {
	sel := selector.New("memory") // nothing registered
	c := New(sel)
	v, ok, err := c.Get(context.Background(), "k")
	require.NoError(t, err, "engine-selection failure on Get must degrade to a miss, not propagate")
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestFacadeDeleteReportsExistence(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	ok, err := c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Delete(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFacadeHasMirrorsGet(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	ok, err := c.Has(ctx, "absent")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "present", []byte("v"), 0))
	ok, err = c.Has(ctx, "present")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFacadeAddIsSetIfAbsent(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	ok, err := c.Add(ctx, "k", []byte("first"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.Add(ctx, "k", []byte("second"), 0)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFacadeReplaceOnlyWritesIfPresent(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	ok, err := c.Replace(ctx, "absent", []byte("v"), 0)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Set(ctx, "present", []byte("old"), 0))
	ok, err = c.Replace(ctx, "present", []byte("new"), 0)
	require.NoError(t, err)
	assert.True(t, ok)

	v, _, err := c.Get(ctx, "present")
	require.NoError(t, err)
	assert.Equal(t, []byte("new"), v)
}

func TestFacadePullGetsAndDeletes(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))

	v, ok, err := c.Pull(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "Pull must remove the key")
}

func TestFacadePullOnAbsentKeyIsMiss(t *testing.T) {
	c := newTestCache()
	v, ok, err := c.Pull(context.Background(), "absent")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, v)
}

func TestFacadeTouchExtendsTTLWithoutChangingValue(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))

	ok, err := c.Touch(ctx, "k", 2*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	v, exists, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.True(t, exists)
	assert.Equal(t, []byte("v"), v)
}

func TestFacadeTouchOnAbsentKeyIsFalse(t *testing.T) {
	c := newTestCache()
	ok, err := c.Touch(context.Background(), "absent", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFacadeGetMultipleNeverFailsWholesale(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "a", []byte("1"), 0))

	out := c.GetMultiple(ctx, []string{"a", "bad:key", "missing"})
	assert.Equal(t, map[string][]byte{"a": []byte("1")}, out)
}

func TestFacadeIncrementAndDecrement(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	n, err := c.Increment(ctx, "counter", 10)
	require.NoError(t, err)
	assert.Equal(t, int64(10), n)

	n, err = c.Decrement(ctx, "counter", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
}

func TestFacadeIncrementTypeMismatchPropagates(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("not-a-number"), 0))

	_, err := c.Increment(ctx, "k", 1)
	assert.ErrorIs(t, err, enginecore.ErrTypeMismatch)
}

// TestRememberDedupesConcurrentMisses exercises scenario S6: N concurrent
// Remember calls for the same missing key must invoke fn exactly once.
func TestRememberDedupesConcurrentMisses(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	var calls atomic.Int64
	fn := func(ctx context.Context) ([]byte, error) {
		calls.Add(1)
		time.Sleep(10 * time.Millisecond)
		return []byte("computed"), nil
	}

	const n = 20
	var wg sync.WaitGroup
	results := make([][]byte, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			v, err := c.Remember(ctx, "shared-key", time.Minute, fn)
			require.NoError(t, err)
			results[i] = v
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), calls.Load(), "fn must be invoked exactly once across concurrent callers")
	for _, r := range results {
		assert.Equal(t, []byte("computed"), r)
	}

	v, ok, err := c.Get(ctx, "shared-key")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("computed"), v)
}

func TestRememberReturnsCachedValueWithoutCallingFn(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "k", []byte("cached"), 0))

	called := false
	v, err := c.Remember(ctx, "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		called = true
		return []byte("fresh"), nil
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("cached"), v)
	assert.False(t, called)
}

func TestRememberPropagatesFnError(t *testing.T) {
	c := newTestCache()
	wantErr := errors.New("boom")
	_, err := c.Remember(context.Background(), "k", time.Minute, func(ctx context.Context) ([]byte, error) {
		return nil, wantErr
	})
	assert.ErrorIs(t, err, wantErr)
}

func TestSetWithTagsAndInvalidateTags(t *testing.T) {
	c := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.SetWithTags(ctx, "a", []byte("1"), []string{"group1"}, 0))
	require.NoError(t, c.SetWithTags(ctx, "b", []byte("2"), []string{"group1"}, 0))
	require.NoError(t, c.SetWithTags(ctx, "c", []byte("3"), []string{"group2"}, 0))

	n := c.InvalidateTags(ctx, []string{"group1"})
	assert.Equal(t, 2, n)

	_, ok, err := c.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
	_, ok, err = c.Get(ctx, "c")
	require.NoError(t, err)
	assert.True(t, ok, "untagged-group key must survive unrelated tag invalidation")
}
