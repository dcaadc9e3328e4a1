package ratelimit

import (
	"context"
	"math"
	"sync"

	"github.com/google/uuid"

	"sessions/internal/backend"
)

// SlidingWindow keeps a timestamp log per key in a backend sorted set: at
// most limit admissions may fall inside any window-long interval. Expired
// timestamps are trimmed on every attempt, so the set never grows past the
// limit for a live key.
//
// The trim-count-add sequence spans three backend operations; the mutex
// keeps concurrent in-process callers from interleaving them and admitting
// past the limit.
type SlidingWindow struct {
	backend backend.Backend
	limit   int64
	window  float64
	ttl     float64

	mu sync.Mutex
}

// TryAcquire admits if fewer than limit timestamps remain in the window,
// recording the admission under a unique member tag.
func (s *SlidingWindow) TryAcquire(ctx context.Context, key string, now float64) (Decision, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now - s.window
	if _, err := s.backend.ZRemRangeByScore(ctx, key, math.Inf(-1), cutoff); err != nil {
		return Decision{}, err
	}

	n, err := s.backend.ZCount(ctx, key, math.Inf(-1), math.Inf(1))
	if err != nil {
		return Decision{}, err
	}
	if n < s.limit {
		if err := s.backend.ZAdd(ctx, key, now, uuid.NewString(), s.ttl); err != nil {
			return Decision{}, err
		}
		return Decision{Admitted: true}, nil
	}

	oldest, ok, err := s.backend.ZMinScore(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	if !ok {
		// Set vanished between count and read (TTL expiry); retry at once.
		return retry(0), nil
	}
	return retry(oldest + s.window - now), nil
}
