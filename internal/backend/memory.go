package backend

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"sessions/internal/clock"
)

// memoryEntry holds a plain value and its absolute expiry in seconds.
// An expiresAt of zero means the entry never expires.
type memoryEntry struct {
	value     []byte
	expiresAt float64
}

// zsetMember is one (score, member) pair in a sorted set.
type zsetMember struct {
	score  float64
	member string
}

// zset keeps members ordered by (score, member) so range operations can
// binary-search their bounds.
type zset struct {
	members   []zsetMember
	expiresAt float64
}

// Memory is the in-process backend: a mutex-guarded map plus a background
// sweeper that drops expired keys on a configurable cadence. Sorted sets are
// kept as score-ordered slices.
type Memory struct {
	clock clock.Clock

	mu     sync.Mutex
	values map[string]memoryEntry
	zsets  map[string]*zset

	done   chan struct{}
	closed bool
}

// NewMemory creates a memory backend sweeping every checkFrequency seconds.
// A non-positive cadence disables the sweeper; expiry is still enforced on
// every read.
func NewMemory(checkFrequency float64, clk clock.Clock) *Memory {
	m := &Memory{
		clock:  clk,
		values: make(map[string]memoryEntry),
		zsets:  make(map[string]*zset),
		done:   make(chan struct{}),
	}
	if checkFrequency > 0 {
		go m.sweep(time.Duration(checkFrequency * float64(time.Second)))
	}
	return m
}

func (m *Memory) expiry(ttl float64) float64 {
	if ttl <= 0 {
		return 0
	}
	return m.clock.Now() + ttl
}

func expired(expiresAt, now float64) bool {
	return expiresAt > 0 && expiresAt <= now
}

// Get returns the live value under key.
func (m *Memory) Get(ctx context.Context, key string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	if expired(e.expiresAt, m.clock.Now()) {
		delete(m.values, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores value under key with the given TTL.
func (m *Memory) Set(ctx context.Context, key string, value []byte, ttl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	m.values[key] = memoryEntry{value: stored, expiresAt: m.expiry(ttl)}
	return nil
}

// Delete removes key from both the plain and sorted-set namespaces.
func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.values, key)
	delete(m.zsets, key)
	return nil
}

// Incr atomically adds delta to the integer under key, creating it with the
// given TTL if absent or expired.
func (m *Memory) Incr(ctx context.Context, key string, delta int64, ttl float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.values[key]
	if !ok || expired(e.expiresAt, now) {
		v := delta
		m.values[key] = memoryEntry{value: []byte(strconv.FormatInt(v, 10)), expiresAt: m.expiry(ttl)}
		return v, nil
	}
	cur, err := strconv.ParseInt(string(e.value), 10, 64)
	if err != nil {
		return 0, err
	}
	cur += delta
	e.value = []byte(strconv.FormatInt(cur, 10))
	m.values[key] = e
	return cur, nil
}

// search returns the index of the first member ordered >= (score, member).
func (z *zset) search(score float64, member string) int {
	return sort.Search(len(z.members), func(i int) bool {
		mi := z.members[i]
		if mi.score != score {
			return mi.score > score
		}
		return mi.member >= member
	})
}

// ZAdd inserts (score, member) keeping the slice ordered, and refreshes the
// set's TTL.
func (m *Memory) ZAdd(ctx context.Context, key string, score float64, member string, ttl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.liveZset(key)
	if z == nil {
		z = &zset{}
		m.zsets[key] = z
	}
	i := z.search(score, member)
	if i < len(z.members) && z.members[i].score == score && z.members[i].member == member {
		z.expiresAt = m.expiry(ttl)
		return nil
	}
	z.members = append(z.members, zsetMember{})
	copy(z.members[i+1:], z.members[i:])
	z.members[i] = zsetMember{score: score, member: member}
	z.expiresAt = m.expiry(ttl)
	return nil
}

// liveZset returns the set under key, dropping it first if expired.
// Caller must hold the mutex.
func (m *Memory) liveZset(key string) *zset {
	z, ok := m.zsets[key]
	if !ok {
		return nil
	}
	if expired(z.expiresAt, m.clock.Now()) {
		delete(m.zsets, key)
		return nil
	}
	return z
}

// scoreRange returns the half-open slice bounds [i, j) of members with
// lo <= score <= hi.
func (z *zset) scoreRange(lo, hi float64) (int, int) {
	i := sort.Search(len(z.members), func(k int) bool { return z.members[k].score >= lo })
	j := sort.Search(len(z.members), func(k int) bool { return z.members[k].score > hi })
	return i, j
}

// ZRemRangeByScore removes members with scores in [lo, hi].
func (m *Memory) ZRemRangeByScore(ctx context.Context, key string, lo, hi float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.liveZset(key)
	if z == nil {
		return 0, nil
	}
	i, j := z.scoreRange(lo, hi)
	removed := j - i
	if removed > 0 {
		z.members = append(z.members[:i], z.members[j:]...)
	}
	if len(z.members) == 0 {
		delete(m.zsets, key)
	}
	return int64(removed), nil
}

// ZCount counts members with scores in [lo, hi].
func (m *Memory) ZCount(ctx context.Context, key string, lo, hi float64) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.liveZset(key)
	if z == nil {
		return 0, nil
	}
	i, j := z.scoreRange(lo, hi)
	return int64(j - i), nil
}

// ZMinScore returns the smallest score in the set under key.
func (m *Memory) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	z := m.liveZset(key)
	if z == nil || len(z.members) == 0 {
		return 0, false, nil
	}
	return z.members[0].score, true, nil
}

// CAS swaps the value under key for replacement if the current value equals
// expected. nil expected means the key must be absent (or expired).
func (m *Memory) CAS(ctx context.Context, key string, expected, replacement []byte, ttl float64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	e, ok := m.values[key]
	if ok && expired(e.expiresAt, now) {
		delete(m.values, key)
		ok = false
	}
	if expected == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || string(e.value) != string(expected) {
			return false, nil
		}
	}
	stored := make([]byte, len(replacement))
	copy(stored, replacement)
	m.values[key] = memoryEntry{value: stored, expiresAt: m.expiry(ttl)}
	return true, nil
}

// Clear removes every key under prefix.
func (m *Memory) Clear(ctx context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for k := range m.values {
		if strings.HasPrefix(k, prefix) {
			delete(m.values, k)
		}
	}
	for k := range m.zsets {
		if strings.HasPrefix(k, prefix) {
			delete(m.zsets, k)
		}
	}
	return nil
}

// Close stops the background sweeper.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}

// sweep periodically evicts expired keys.
func (m *Memory) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictExpired()
		}
	}
}

func (m *Memory) evictExpired() {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, e := range m.values {
		if expired(e.expiresAt, now) {
			delete(m.values, k)
		}
	}
	for k, z := range m.zsets {
		if expired(z.expiresAt, now) {
			delete(m.zsets, k)
		}
	}
}
