// Package backend provides the persistence surface shared by the cache and
// rate-limit engines. Three implementations satisfy the same contract: an
// in-memory store, a Redis adaptor (optionally backed by an embedded server
// spawned for the lifetime of the session), and a SQL store over SQLite or
// PostgreSQL. TTL expiry is enforced on read as well as by background sweep,
// so a read of an expired key always reports absent regardless of backend.
package backend

import (
	"context"
	"fmt"

	"sessions/internal/clock"
)

// Backend is the uniform persistence contract. Every operation is atomic
// with respect to concurrent callers within the same process; the rate-limit
// algorithms keep their state through the sorted-set operations and CAS.
// TTLs are in seconds; a TTL of zero means no expiry.
type Backend interface {
	// Get returns the value stored under key, or ok=false if the key is
	// missing or expired.
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key with the given TTL, overwriting any
	// previous value.
	Set(ctx context.Context, key string, value []byte, ttl float64) error

	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Incr atomically adds delta to the integer stored under key, creating
	// the key with the given TTL if absent, and returns the new value.
	Incr(ctx context.Context, key string, delta int64, ttl float64) (int64, error)

	// ZAdd inserts (score, member) into the sorted set under key and
	// refreshes the set's TTL.
	ZAdd(ctx context.Context, key string, score float64, member string, ttl float64) error

	// ZRemRangeByScore removes members with lo <= score <= hi and returns
	// how many were removed.
	ZRemRangeByScore(ctx context.Context, key string, lo, hi float64) (int64, error)

	// ZCount counts members with lo <= score <= hi.
	ZCount(ctx context.Context, key string, lo, hi float64) (int64, error)

	// ZMinScore returns the smallest score in the set, or ok=false when the
	// set is empty.
	ZMinScore(ctx context.Context, key string) (score float64, ok bool, err error)

	// CAS replaces the value under key with replacement only if the current
	// value equals expected. A nil expected means "create only if absent".
	// Returns false without modifying anything on mismatch.
	CAS(ctx context.Context, key string, expected, replacement []byte, ttl float64) (bool, error)

	// Clear bulk-deletes every key under the given prefix.
	Clear(ctx context.Context, prefix string) error

	// Close releases storage resources: stops sweepers, closes connections,
	// terminates any embedded server and removes ephemeral database files.
	Close() error
}

// Backend type names accepted by the factory.
const (
	TypeMemory = "memory"
	TypeKV     = "kv"
	TypeSQL    = "sql"
)

// Config selects and parameterizes a backend.
type Config struct {
	// Type is one of memory, kv, sql.
	Type string

	// CheckFrequency is the background sweep cadence in seconds for
	// backends that sweep (memory, sql).
	CheckFrequency float64

	KV  KVConfig
	SQL SQLConfig
}

// KVConfig configures the Redis-protocol backend. With an empty Host an
// embedded server is spawned on open and torn down on Close.
type KVConfig struct {
	Host            string
	Port            int
	Username        string
	Password        string
	DBFilename      string
	MaxMemory       string
	MaxMemoryPolicy string
	Protocol        int
}

// SQLConfig configures the SQL backend. DB is a SQLite file path (empty
// means an ephemeral temp file removed on Close); Conn is a PostgreSQL DSN
// and takes precedence when set.
type SQLConfig struct {
	DB   string
	Conn string
}

// New creates the backend selected by cfg.Type.
func New(cfg Config, clk clock.Clock) (Backend, error) {
	if clk == nil {
		clk = clock.Real{}
	}
	switch cfg.Type {
	case TypeMemory, "":
		return NewMemory(cfg.CheckFrequency, clk), nil
	case TypeKV:
		return NewRedis(cfg.KV, clk)
	case TypeSQL:
		return NewSQL(cfg.SQL, cfg.CheckFrequency, clk)
	default:
		return nil, fmt.Errorf("unsupported backend type: %s", cfg.Type)
	}
}
