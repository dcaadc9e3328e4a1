package ratelimit

import (
	"context"

	"sessions/internal/backend"
)

// LeakyBucket drains its level continuously at leakRate and fills by one per
// admission, denying when a fill would overflow capacity. State is
// (level, last_leak_ts) under CAS.
type LeakyBucket struct {
	backend  backend.Backend
	capacity float64
	leakRate float64
	ttl      float64
	casWait  float64
}

// TryAcquire applies the leak since the last attempt, then fills or reports
// how long until enough has drained.
func (l *LeakyBucket) TryAcquire(ctx context.Context, key string, now float64) (Decision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, present, err := l.backend.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		level, last := 0.0, now
		if present {
			vals, err := decodeFloats(raw, 2)
			if err != nil {
				return Decision{}, err
			}
			level, last = vals[0], vals[1]
			level -= (now - last) * l.leakRate
			if level < 0 {
				level = 0
			}
		}

		if level+1 > l.capacity {
			return retry((level + 1 - l.capacity) / l.leakRate), nil
		}

		next := encodeFloats(level+1, now)
		var swapped bool
		if present {
			swapped, err = l.backend.CAS(ctx, key, raw, next, l.ttl)
		} else {
			swapped, err = l.backend.CAS(ctx, key, nil, next, l.ttl)
		}
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{Admitted: true}, nil
		}
	}
	return retry(l.casWait), nil
}
