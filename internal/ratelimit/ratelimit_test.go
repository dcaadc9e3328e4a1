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

func newConfig(typ string) *models.Config {
	cfg := models.NewDefaultConfig()
	cfg.Ratelimit = true
	cfg.Type = typ
	return cfg
}

func acquire(t *testing.T, s Strategy, key string, now float64) Decision {
	t.Helper()
	d, err := s.TryAcquire(context.Background(), key, now)
	require.NoError(t, err)
	return d
}

func TestSlidingWindow_BurstThenWindow(t *testing.T) {
	clk := clock.NewFake(100)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmSlidingWindow)
	cfg.Limit = 3
	cfg.Window = 1
	s, err := New(cfg, be)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		d := acquire(t, s, "k", clk.Now())
		assert.True(t, d.Admitted, "admission %d should pass", i+1)
	}

	d := acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 1.0, d.RetryAfter, 0.0001, "oldest entry leaves the window in one second")

	// Half a second on, the wait shrinks accordingly.
	clk.Advance(0.5)
	d = acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 0.5, d.RetryAfter, 0.0001)

	// Once the window has passed the oldest timestamp, one slot frees up.
	clk.Advance(0.51)
	d = acquire(t, s, "k", clk.Now())
	assert.True(t, d.Admitted)
}

func TestSlidingWindow_BoundOverAnyInterval(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmSlidingWindow)
	cfg.Limit = 5
	cfg.Window = 1
	s, err := New(cfg, be)
	require.NoError(t, err)

	// Attempt at a steady 20/s for 3 simulated seconds; count admissions
	// inside each sliding 1s interval.
	var admitted []float64
	for i := 0; i < 60; i++ {
		if d := acquire(t, s, "k", clk.Now()); d.Admitted {
			admitted = append(admitted, clk.Now())
		}
		clk.Advance(0.05)
	}

	for _, start := range admitted {
		n := 0
		for _, ts := range admitted {
			if ts >= start && ts < start+1.0 {
				n++
			}
		}
		assert.LessOrEqual(t, n, 5, "more than limit admissions within one window starting at %v", start)
	}
}

func TestFixedWindow_ResetOnRollover(t *testing.T) {
	clk := clock.NewFake(50)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmFixedWindow)
	cfg.Limit = 2
	cfg.Window = 10
	s, err := New(cfg, be)
	require.NoError(t, err)

	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)

	d := acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 10.0, d.RetryAfter, 0.0001)

	// Window rolls over relative to its start, not the last attempt.
	clk.Advance(10.5)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.False(t, acquire(t, s, "k", clk.Now()).Admitted)
}

func TestTokenBucket_RefillPacing(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmTokenBucket)
	cfg.Capacity = 5
	cfg.FillRate = 10
	s, err := New(cfg, be)
	require.NoError(t, err)

	// Full bucket admits a burst of capacity.
	for i := 0; i < 5; i++ {
		assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	}

	d := acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 0.1, d.RetryAfter, 0.0001, "one token accrues in 1/fill_rate seconds")

	clk.Advance(0.1)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.False(t, acquire(t, s, "k", clk.Now()).Admitted)

	// Tokens never exceed capacity after a long idle.
	clk.Advance(100)
	for i := 0; i < 5; i++ {
		assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	}
	assert.False(t, acquire(t, s, "k", clk.Now()).Admitted)
}

func TestLeakyBucket_LevelBounds(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmLeakyBucket)
	cfg.Capacity = 2
	cfg.LeakRate = 1
	s, err := New(cfg, be)
	require.NoError(t, err)

	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)

	d := acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 1.0, d.RetryAfter, 0.0001)

	// After one second, one unit has drained.
	clk.Advance(1.0)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	assert.False(t, acquire(t, s, "k", clk.Now()).Admitted)
}

func TestGCRA_BurstThenSpacing(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmGCRA)
	cfg.Period = 2
	cfg.Limit = 3
	s, err := New(cfg, be)
	require.NoError(t, err)

	// Burst of limit admissions.
	for i := 0; i < 3; i++ {
		assert.True(t, acquire(t, s, "k", clk.Now()).Admitted, "burst admission %d", i+1)
	}

	d := acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 2.0, d.RetryAfter, 0.0001)

	clk.Advance(2.0)
	assert.True(t, acquire(t, s, "k", clk.Now()).Admitted)

	d = acquire(t, s, "k", clk.Now())
	require.False(t, d.Admitted)
	assert.InDelta(t, 2.0, d.RetryAfter, 0.0001)
}

func TestEngine_ScopeExpansion(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmFixedWindow)
	cfg.Limit = 1
	cfg.Window = 10
	s, err := New(cfg, be)
	require.NoError(t, err)

	engine := NewEngine(s, clk)
	scopes := []string{"p:ratelimit:global", "p:ratelimit:endpoint:x"}

	d, err := engine.TryAcquire(context.Background(), scopes)
	require.NoError(t, err)
	assert.True(t, d.Admitted)

	// The global scope denies; the endpoint scope must not have been
	// consumed, so a different endpoint still blocks on global alone.
	d, err = engine.TryAcquire(context.Background(), scopes)
	require.NoError(t, err)
	require.False(t, d.Admitted)
	assert.Greater(t, d.RetryAfter, 0.0)

	clk.Advance(10.5)
	d, err = engine.TryAcquire(context.Background(), []string{"p:ratelimit:global", "p:ratelimit:endpoint:y"})
	require.NoError(t, err)
	assert.True(t, d.Admitted)
}

func TestRetryWaitFloor(t *testing.T) {
	d := retry(0.0004)
	assert.Equal(t, 0.0, d.RetryAfter, "sub-millisecond waits clamp to zero")
	assert.False(t, d.Admitted)

	d = retry(0.5)
	assert.Equal(t, 0.5, d.RetryAfter)
}

func TestNew_UnsupportedType(t *testing.T) {
	be := backend.NewMemory(0, clock.Real{})
	defer be.Close()

	cfg := newConfig("turnstile")
	_, err := New(cfg, be)
	assert.Error(t, err)
}

func TestStateTTL_UsesNaturalHorizon(t *testing.T) {
	clk := clock.NewFake(0)
	be := backend.NewMemory(0, clk)
	defer be.Close()

	cfg := newConfig(models.AlgorithmTokenBucket)
	cfg.Capacity = 4
	cfg.FillRate = 2
	cfg.CacheTimeout = 0
	s, err := New(cfg, be)
	require.NoError(t, err)

	// Drain the bucket, then idle past the natural horizon
	// (capacity/fill_rate = 2s): the state expires and a fresh key admits
	// a full burst again.
	for i := 0; i < 4; i++ {
		require.True(t, acquire(t, s, "k", clk.Now()).Admitted)
	}
	require.False(t, acquire(t, s, "k", clk.Now()).Admitted)

	clk.Advance(2.5)
	for i := 0; i < 4; i++ {
		assert.True(t, acquire(t, s, "k", clk.Now()).Admitted, "burst after state expiry, admission %d", i+1)
	}
}
