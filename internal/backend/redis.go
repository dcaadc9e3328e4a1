package backend

import (
	"context"
	_ "embed"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"sessions/internal/clock"
)

//go:embed incr.lua
var incrScript string

//go:embed cas.lua
var casScript string

// Redis adapts the backend contract onto a Redis-protocol server via
// go-redis. When no host is configured, an embedded miniredis server is
// spawned for the lifetime of the backend and torn down on Close, mirroring
// how a throwaway per-session store behaves. Numeric increments and CAS run
// as server-side Lua so they stay atomic across connections.
type Redis struct {
	client   *redis.Client
	embedded *miniredis.Miniredis
	clock    clock.Clock

	incrSHA string
	casSHA  string
}

// NewRedis connects to the configured server, spawning an embedded one when
// cfg.Host is empty.
func NewRedis(cfg KVConfig, clk clock.Clock) (*Redis, error) {
	r := &Redis{clock: clk}

	addr := cfg.Host
	if addr == "" {
		srv, err := miniredis.Run()
		if err != nil {
			return nil, fmt.Errorf("failed to start embedded kv server: %w", err)
		}
		r.embedded = srv
		addr = srv.Addr()
	} else {
		port := cfg.Port
		if port == 0 {
			port = 6379
		}
		addr = fmt.Sprintf("%s:%d", addr, port)
	}

	protocol := cfg.Protocol
	if protocol == 0 {
		protocol = 3
	}
	r.client = redis.NewClient(&redis.Options{
		Addr:     addr,
		Username: cfg.Username,
		Password: cfg.Password,
		Protocol: protocol,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to reach kv server: %w", err)
	}

	// Memory limits only apply to an external server; the embedded one
	// lives and dies with the session.
	if r.embedded == nil {
		if cfg.MaxMemory != "" && cfg.MaxMemory != "0" {
			if err := r.client.ConfigSet(ctx, "maxmemory", cfg.MaxMemory).Err(); err != nil {
				r.Close()
				return nil, fmt.Errorf("failed to set maxmemory: %w", err)
			}
		}
		if cfg.MaxMemoryPolicy != "" && cfg.MaxMemoryPolicy != "noeviction" {
			if err := r.client.ConfigSet(ctx, "maxmemory-policy", cfg.MaxMemoryPolicy).Err(); err != nil {
				r.Close()
				return nil, fmt.Errorf("failed to set maxmemory-policy: %w", err)
			}
		}
	}

	incrSHA, err := r.client.ScriptLoad(ctx, incrScript).Result()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to load incr script: %w", err)
	}
	casSHA, err := r.client.ScriptLoad(ctx, casScript).Result()
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("failed to load cas script: %w", err)
	}
	r.incrSHA = incrSHA
	r.casSHA = casSHA
	return r, nil
}

func ttlMillis(ttl float64) int64 {
	if ttl <= 0 {
		return 0
	}
	ms := int64(ttl * 1000)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// Get returns the value under key, treating redis.Nil as absent.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

// Set stores value under key with the given TTL.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl float64) error {
	var exp time.Duration
	if ttl > 0 {
		exp = time.Duration(ttl * float64(time.Second))
	}
	return r.client.Set(ctx, key, value, exp).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}

// Incr adds delta to the counter under key, setting the TTL when the key has
// no expiry yet (as when this call creates it).
func (r *Redis) Incr(ctx context.Context, key string, delta int64, ttl float64) (int64, error) {
	res, err := r.client.EvalSha(ctx, r.incrSHA, []string{key}, delta, ttlMillis(ttl)).Result()
	if err != nil {
		return 0, err
	}
	n, ok := res.(int64)
	if !ok {
		return 0, fmt.Errorf("unexpected incr script reply: %v", res)
	}
	return n, nil
}

// ZAdd inserts (score, member) and refreshes the set's TTL.
func (r *Redis) ZAdd(ctx context.Context, key string, score float64, member string, ttl float64) error {
	pipe := r.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{Score: score, Member: member})
	if ms := ttlMillis(ttl); ms > 0 {
		pipe.PExpire(ctx, key, time.Duration(ms)*time.Millisecond)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func formatScore(f float64) string {
	if math.IsInf(f, 1) {
		return "+inf"
	}
	if math.IsInf(f, -1) {
		return "-inf"
	}
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ZRemRangeByScore removes members with scores in [lo, hi].
func (r *Redis) ZRemRangeByScore(ctx context.Context, key string, lo, hi float64) (int64, error) {
	return r.client.ZRemRangeByScore(ctx, key, formatScore(lo), formatScore(hi)).Result()
}

// ZCount counts members with scores in [lo, hi].
func (r *Redis) ZCount(ctx context.Context, key string, lo, hi float64) (int64, error) {
	return r.client.ZCount(ctx, key, formatScore(lo), formatScore(hi)).Result()
}

// ZMinScore returns the lowest score in the set under key.
func (r *Redis) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	zs, err := r.client.ZRangeWithScores(ctx, key, 0, 0).Result()
	if err != nil {
		return 0, false, err
	}
	if len(zs) == 0 {
		return 0, false, nil
	}
	return zs[0].Score, true, nil
}

// CAS swaps the value under key for replacement if the current value equals
// expected, entirely server-side.
func (r *Redis) CAS(ctx context.Context, key string, expected, replacement []byte, ttl float64) (bool, error) {
	mode := "match"
	exp := expected
	if expected == nil {
		mode = "absent"
		exp = []byte{}
	}
	res, err := r.client.EvalSha(ctx, r.casSHA, []string{key}, mode, exp, replacement, ttlMillis(ttl)).Result()
	if err != nil {
		return false, err
	}
	n, ok := res.(int64)
	if !ok {
		return false, fmt.Errorf("unexpected cas script reply: %v", res)
	}
	return n == 1, nil
}

// Clear scans and deletes every key under prefix.
func (r *Redis) Clear(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.client.Del(ctx, batch...).Err(); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.client.Del(ctx, batch...).Err()
	}
	return nil
}

// Close closes the client and terminates the embedded server, if any.
func (r *Redis) Close() error {
	var err error
	if r.client != nil {
		err = r.client.Close()
	}
	if r.embedded != nil {
		r.embedded.Close()
		r.embedded = nil
	}
	return err
}
