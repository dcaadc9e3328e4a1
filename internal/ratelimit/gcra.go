package ratelimit

import (
	"context"

	"sessions/internal/backend"
)

// GCRA is the generic cell rate algorithm: a virtual-scheduling limiter
// whose whole state is one theoretical arrival time. Admissions advance the
// TAT by the emission interval; a request is conformant while the new TAT
// stays within the delay tolerance of now.
type GCRA struct {
	backend        backend.Backend
	emission       float64
	delayTolerance float64
	ttl            float64
	casWait        float64
}

// TryAcquire advances the TAT under CAS, or reports how far outside the
// tolerance the request falls.
func (g *GCRA) TryAcquire(ctx context.Context, key string, now float64) (Decision, error) {
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, present, err := g.backend.Get(ctx, key)
		if err != nil {
			return Decision{}, err
		}

		tat := now
		if present {
			vals, err := decodeFloats(raw, 1)
			if err != nil {
				return Decision{}, err
			}
			if vals[0] > tat {
				tat = vals[0]
			}
		}

		newTAT := tat + g.emission
		if newTAT-now > g.delayTolerance {
			return retry(newTAT - now - g.delayTolerance), nil
		}

		next := encodeFloats(newTAT)
		var swapped bool
		if present {
			swapped, err = g.backend.CAS(ctx, key, raw, next, g.ttl)
		} else {
			swapped, err = g.backend.CAS(ctx, key, nil, next, g.ttl)
		}
		if err != nil {
			return Decision{}, err
		}
		if swapped {
			return Decision{Admitted: true}, nil
		}
	}
	return retry(g.casWait), nil
}
