package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sessions/internal/backend"
	"sessions/internal/clock"
	"sessions/internal/models"
)

// step is one scripted admission attempt: advance the fake clock, try, and
// expect a decision.
type step struct {
	advance float64
	admit   bool
}

// driveScript replays the same attempt sequence against a strategy and
// asserts each decision.
func driveScript(t *testing.T, name string, s Strategy, clk *clock.Fake, script []step) {
	t.Helper()
	for i, st := range script {
		clk.Advance(st.advance)
		d, err := s.TryAcquire(context.Background(), "k", clk.Now())
		require.NoError(t, err, "%s step %d", name, i)
		assert.Equal(t, st.admit, d.Admitted, "%s step %d (t=%v)", name, i, clk.Now())
	}
}

// eachBackend runs fn once per backend implementation, each with its own
// fake clock starting at the same instant.
func eachBackend(t *testing.T, fn func(t *testing.T, be backend.Backend, clk *clock.Fake)) {
	t.Helper()

	t.Run("memory", func(t *testing.T) {
		clk := clock.NewFake(1000)
		be := backend.NewMemory(0, clk)
		defer be.Close()
		fn(t, be, clk)
	})

	t.Run("sql", func(t *testing.T) {
		clk := clock.NewFake(1000)
		be, err := backend.NewSQL(backend.SQLConfig{}, 0, clk)
		require.NoError(t, err)
		defer be.Close()
		fn(t, be, clk)
	})

	t.Run("kv", func(t *testing.T) {
		clk := clock.NewFake(1000)
		be, err := backend.NewRedis(backend.KVConfig{}, clk)
		require.NoError(t, err)
		defer be.Close()
		fn(t, be, clk)
	})
}

// Identical attempt sequences must yield identical admission decisions on
// every backend.

func TestCrossBackend_SlidingWindow(t *testing.T) {
	script := []step{
		{0, true}, {0, true}, {0, true}, // burst of 3
		{0, false},   // over limit
		{0.5, false}, // still inside the window
		{0.6, true},  // previous timestamps aged out
		{0, true}, {0, true},
		{0, false},
		{1.1, true}, // whole window free again
	}
	eachBackend(t, func(t *testing.T, be backend.Backend, clk *clock.Fake) {
		cfg := newConfig(models.AlgorithmSlidingWindow)
		cfg.Limit = 3
		cfg.Window = 1
		s, err := New(cfg, be)
		require.NoError(t, err)
		driveScript(t, "slidingwindow", s, clk, script)
	})
}

func TestCrossBackend_TokenBucket(t *testing.T) {
	script := []step{
		{0, true}, {0, true}, {0, true}, {0, true}, {0, true}, // capacity 5
		{0, false},
		{0.1, true}, // one token refilled
		{0.05, false},
		{0.05, true},
	}
	eachBackend(t, func(t *testing.T, be backend.Backend, clk *clock.Fake) {
		cfg := newConfig(models.AlgorithmTokenBucket)
		cfg.Capacity = 5
		cfg.FillRate = 10
		s, err := New(cfg, be)
		require.NoError(t, err)
		driveScript(t, "tokenbucket", s, clk, script)
	})
}

func TestCrossBackend_GCRA(t *testing.T) {
	script := []step{
		{0, true}, {0, true}, {0, true}, // burst of limit
		{0, false},
		{2.0, true}, // spaced by period
		{0.5, false},
		{1.5, true},
	}
	eachBackend(t, func(t *testing.T, be backend.Backend, clk *clock.Fake) {
		cfg := newConfig(models.AlgorithmGCRA)
		cfg.Period = 2
		cfg.Limit = 3
		s, err := New(cfg, be)
		require.NoError(t, err)
		driveScript(t, "gcra", s, clk, script)
	})
}

func TestCrossBackend_FixedWindow(t *testing.T) {
	script := []step{
		{0, true}, {0, true},
		{0, false},
		{5, false},  // same window
		{5.1, true}, // rolled over
		{0, true},
		{0, false},
	}
	eachBackend(t, func(t *testing.T, be backend.Backend, clk *clock.Fake) {
		cfg := newConfig(models.AlgorithmFixedWindow)
		cfg.Limit = 2
		cfg.Window = 10
		s, err := New(cfg, be)
		require.NoError(t, err)
		driveScript(t, "fixedwindow", s, clk, script)
	})
}

func TestCrossBackend_LeakyBucket(t *testing.T) {
	script := []step{
		{0, true}, {0, true},
		{0, false},
		{0.5, false}, // half a unit drained
		{0.6, true},  // a full unit drained
		{0, false},
	}
	eachBackend(t, func(t *testing.T, be backend.Backend, clk *clock.Fake) {
		cfg := newConfig(models.AlgorithmLeakyBucket)
		cfg.Capacity = 2
		cfg.LeakRate = 1
		s, err := New(cfg, be)
		require.NoError(t, err)
		driveScript(t, "leakybucket", s, clk, script)
	})
}
