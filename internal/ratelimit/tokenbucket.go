package ratelimit

import (
	"context"

	"sessions/internal/backend"
)

// TokenBucket refills tokens continuously at fillRate up to capacity and
// spends one per admission. State is (tokens, last_fill_ts) under CAS.
type TokenBucket struct {
	backend  backend.Backend
	capacity float64
	fillRate float64
	ttl      float64
	casWait  float64
}

// TryAcquire refills from elapsed time, then spends a token or reports how
// long until one accrues.
func (t *TokenBucket) TryAcquire(ctx context.Context, key string, now float64) (Decision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, present, err := t.backend.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		tokens, last := t.capacity, now
		if present {
			vals, err := decodeFloats(raw, 2)
			if err != nil {
				return Decision{}, err
			}
			tokens, last = vals[0], vals[1]
			tokens += (now - last) * t.fillRate
			if tokens > t.capacity {
				tokens = t.capacity
			}
		}

		if tokens < 1 {
			return retry((1 - tokens) / t.fillRate), nil
		}

		next := encodeFloats(tokens-1, now)
		var swapped bool
		if present {
			swapped, err = t.backend.CAS(ctx, key, raw, next, t.ttl)
		} else {
			swapped, err = t.backend.CAS(ctx, key, nil, next, t.ttl)
		}
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{Admitted: true}, nil
		}
	}
	return retry(t.casWait), nil
}
