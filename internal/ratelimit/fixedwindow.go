package ratelimit

import (
	"context"

	"sessions/internal/backend"
)

// FixedWindow counts admissions against a window that starts at the first
// request and resets window seconds later. State is a (window_start, count)
// pair swapped under CAS so concurrent callers cannot double-count.
type FixedWindow struct {
	backend backend.Backend
	limit   int64
	window  float64
	ttl     float64
	casWait float64
}

// TryAcquire admits while the current window's count is below the limit;
// otherwise the caller waits until the window rolls over.
func (f *FixedWindow) TryAcquire(ctx context.Context, key string, now float64) (Decision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, present, err := f.backend.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		start, count := now, 0.0
		if present {
			vals, err := decodeFloats(raw, 2)
			if err != nil {
				return Decision{}, err
			}
			start, count = vals[0], vals[1]
			if now-start >= f.window {
				start, count = now, 0
			}
		}

		if int64(count) >= f.limit {
			return retry(start + f.window - now), nil
		}

		next := encodeFloats(start, count+1)
		var swapped bool
		if present {
			swapped, err = f.backend.CAS(ctx, key, raw, next, f.ttl)
		} else {
			swapped, err = f.backend.CAS(ctx, key, nil, next, f.ttl)
		}
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{Admitted: true}, nil
		}
	}
	// Contention exhausted the CAS budget; back off one polling interval.
	return retry(f.casWait), nil
}
