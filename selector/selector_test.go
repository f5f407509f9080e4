package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stumble/cachekit/enginecore"
	"github.com/stumble/cachekit/memengine"
)

func TestBestPrefersPreferredWhenAvailable(t *testing.T) {
	s := New("memory")
	s.Register(memengine.New())
	s.Register(&fakeEngine{Engine: memengine.New(), name: "file", level: 1, available: true})

	eng, err := s.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", eng.Name())
}

func TestBestFallsBackByPerformanceLevel(t *testing.T) {
	s := New("redis")
	s.Register(&fakeEngine{Engine: memengine.New(), name: "file", level: 1, available: true})
	s.Register(&fakeEngine{Engine: memengine.New(), name: "memory", level: 4, available: true})

	eng, err := s.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "memory", eng.Name(), "preferred engine absent, highest level wins")
}

func TestBestReturnsErrEngineUnavailableWhenNoneAvailable(t *testing.T) {
	s := New("memory")
	s.Register(&fakeEngine{Engine: memengine.New(), name: "memory", level: 4, available: false})

	_, err := s.Best(context.Background())
	assert.ErrorIs(t, err, enginecore.ErrEngineUnavailable)
}

func TestBestTiesBreakAlphabetically(t *testing.T) {
	s := New("")
	s.Register(&fakeEngine{Engine: memengine.New(), name: "zzz", level: 2, available: true})
	s.Register(&fakeEngine{Engine: memengine.New(), name: "aaa", level: 2, available: true})

	eng, err := s.Best(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "aaa", eng.Name())
}

func TestNamesPreservesRegistrationOrder(t *testing.T) {
	s := New("")
	s.Register(&fakeEngine{Engine: memengine.New(), name: "b", available: true})
	s.Register(&fakeEngine{Engine: memengine.New(), name: "a", available: true})
	assert.Equal(t, []string{"b", "a"}, s.Names())
}

// fakeEngine is an enginecore.Engine stub for selector ranking tests: it
// delegates storage behavior to an embedded memengine.Engine and only
// overrides the bookkeeping selector.Best actually inspects.
type fakeEngine struct {
	*memengine.Engine
	name      string
	level     int
	available bool
}

func (f *fakeEngine) Name() string                    { return f.name }
func (f *fakeEngine) IsAvailable(context.Context) bool { return f.available }
func (f *fakeEngine) PerformanceLevel() int            { return f.level }
