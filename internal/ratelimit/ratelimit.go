// Package ratelimit implements five admission algorithms over the backend
// contract: sliding window, fixed window, leaky bucket, token bucket and
// GCRA. Every algorithm answers the same question through TryAcquire: may
// this request proceed now, and if not, how long until trying again is
// worthwhile. The backend's atomic primitives (sorted sets, compare-and-swap)
// carry the shared state, so semantics are identical across the memory, KV
// and SQL backends; the sliding window additionally serializes its
// multi-operation sequence with an in-process mutex.
package ratelimit

import (
	"context"
	"fmt"
	"math"

	"sessions/internal/backend"
	"sessions/internal/clock"
	"sessions/internal/models"
)

// waitFloor is the shortest meaningful retry wait. Anything below is clamped
// to zero and re-attempted immediately.
const waitFloor = 0.001

// casAttempts bounds the optimistic retry loop of the CAS-based algorithms
// before they give up for one polling interval.
const casAttempts = 8

// Decision is the outcome of an admission attempt. RetryAfter is in seconds
// and meaningful only when Admitted is false; a zero RetryAfter on a denied
// decision means "retry immediately".
type Decision struct {
	Admitted   bool
	RetryAfter float64
}

// Strategy is the single admission contract every algorithm satisfies.
// now is the caller's clock reading in seconds.
type Strategy interface {
	TryAcquire(ctx context.Context, key string, now float64) (Decision, error)
}

// retry builds a denied decision, clamping sub-millisecond waits to zero.
func retry(wait float64) Decision {
	if wait < waitFloor {
		wait = 0
	}
	return Decision{RetryAfter: wait}
}

// New creates the strategy selected by cfg.Type. The state TTL for every
// algorithm is the larger of its natural horizon and the cache timeout, so
// idle keys outlive any window they could still influence.
func New(cfg *models.Config, be backend.Backend) (Strategy, error) {
	cacheTimeout := float64(cfg.CacheTimeout)
	switch cfg.Type {
	case models.AlgorithmSlidingWindow:
		return &SlidingWindow{
			backend: be,
			limit:   cfg.Limit,
			window:  float64(cfg.Window),
			ttl:     math.Max(float64(cfg.Window), cacheTimeout),
		}, nil
	case models.AlgorithmFixedWindow:
		return &FixedWindow{
			backend: be,
			limit:   cfg.Limit,
			window:  float64(cfg.Window),
			ttl:     math.Max(float64(cfg.Window), cacheTimeout),
			casWait: float64(cfg.SleepDuration),
		}, nil
	case models.AlgorithmLeakyBucket:
		return &LeakyBucket{
			backend:  be,
			capacity: cfg.Capacity,
			leakRate: cfg.LeakRate,
			ttl:      math.Max(cfg.Capacity/cfg.LeakRate, cacheTimeout),
			casWait:  float64(cfg.SleepDuration),
		}, nil
	case models.AlgorithmTokenBucket:
		return &TokenBucket{
			backend:  be,
			capacity: cfg.Capacity,
			fillRate: cfg.FillRate,
			ttl:      math.Max(cfg.Capacity/cfg.FillRate, cacheTimeout),
			casWait:  float64(cfg.SleepDuration),
		}, nil
	case models.AlgorithmGCRA:
		period := float64(cfg.Period)
		return &GCRA{
			backend:        be,
			emission:       period,
			delayTolerance: period * float64(cfg.Limit),
			ttl:            math.Max(period*float64(cfg.Limit), cacheTimeout),
			casWait:        float64(cfg.SleepDuration),
		}, nil
	default:
		return nil, fmt.Errorf("unsupported ratelimit type: %s", cfg.Type)
	}
}

// Engine expands a single admission attempt over every configured scope key.
// Scopes are evaluated in their fixed order (global, host, endpoint); the
// first denial stops evaluation so capacity on later scopes is never
// consumed, and its wait is returned.
type Engine struct {
	strategy Strategy
	clock    clock.Clock
}

// NewEngine wraps a strategy with scope expansion.
func NewEngine(strategy Strategy, clk clock.Clock) *Engine {
	return &Engine{strategy: strategy, clock: clk}
}

// TryAcquire attempts admission on every scope key in order. The returned
// decision is admitted only when all scopes admitted.
func (e *Engine) TryAcquire(ctx context.Context, scopes []string) (Decision, error) {
	now := e.clock.Now()
	var maxWait float64
	for _, key := range scopes {
		d, err := e.strategy.TryAcquire(ctx, key, now)
		if err != nil {
			return Decision{}, err
		}
		if !d.Admitted {
			if d.RetryAfter > maxWait {
				maxWait = d.RetryAfter
			}
			return retry(maxWait), nil
		}
	}
	return Decision{Admitted: true}, nil
}
