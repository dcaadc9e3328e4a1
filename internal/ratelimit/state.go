package ratelimit

import (
	"encoding/binary"
	"errors"
	"math"
)

// Bucket and GCRA state is stored as fixed-width little-endian float64
// words so the CAS byte comparison is exact.

var errBadState = errors.New("malformed limiter state")

func encodeFloats(vals ...float64) []byte {
	buf := make([]byte, 8*len(vals))
	for i, v := range vals {
		binary.LittleEndian.PutUint64(buf[8*i:], math.Float64bits(v))
	}
	return buf
}

func decodeFloats(data []byte, n int) ([]float64, error) {
	if len(data) != 8*n {
		return nil, errBadState
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = math.Float64frombits(binary.LittleEndian.Uint64(data[8*i:]))
	}
	return out, nil
}
