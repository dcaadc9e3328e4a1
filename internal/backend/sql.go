package backend

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"sessions/internal/clock"
)

// SQL stores everything in a single table keyed by (key, member), where
// plain values use an empty member and sorted-set members carry a score.
// SQLite (embedded, immediate-mode transactions) is the default; a
// PostgreSQL DSN in SQLConfig.Conn selects pgx instead. Rows whose
// expires_at has passed are invisible to reads and reaped by a sweeper.
type SQL struct {
	db       *sql.DB
	clock    clock.Clock
	postgres bool

	ephemeral string // temp sqlite file to remove on Close, if any

	done   chan struct{}
	closed bool
}

// NewSQL opens the configured database and creates the schema. With neither
// a file path nor a DSN, an ephemeral SQLite file is created and removed on
// Close.
func NewSQL(cfg SQLConfig, checkFrequency float64, clk clock.Clock) (*SQL, error) {
	s := &SQL{clock: clk, done: make(chan struct{})}

	var err error
	if cfg.Conn != "" {
		s.postgres = true
		s.db, err = sql.Open("pgx", cfg.Conn)
	} else {
		path := cfg.DB
		if path == "" {
			f, ferr := os.CreateTemp("", "sessions-*.db")
			if ferr != nil {
				return nil, fmt.Errorf("failed to create ephemeral database: %w", ferr)
			}
			path = f.Name()
			f.Close()
			s.ephemeral = path
		}
		dsn := "file:" + filepath.ToSlash(path) + "?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		s.db, err = sql.Open("sqlite", dsn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := s.db.Ping(); err != nil {
		s.db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := s.createSchema(); err != nil {
		s.db.Close()
		return nil, err
	}

	if checkFrequency > 0 {
		go s.sweep(time.Duration(checkFrequency * float64(time.Second)))
	}
	return s, nil
}

func (s *SQL) createSchema() error {
	blob := "BLOB"
	real := "REAL"
	if s.postgres {
		blob = "BYTEA"
		real = "DOUBLE PRECISION"
	}
	schema := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS session_store (
		key TEXT NOT NULL,
		member TEXT NOT NULL DEFAULT '',
		value %s,
		score %s,
		expires_at %s NOT NULL DEFAULT 0,
		PRIMARY KEY (key, member)
	)`, blob, real, real)
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	if _, err := s.db.Exec(`CREATE INDEX IF NOT EXISTS session_store_score ON session_store (key, score)`); err != nil {
		return fmt.Errorf("failed to create score index: %w", err)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *SQL) rebind(query string) string {
	if !s.postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQL) expiry(ttl float64) float64 {
	if ttl <= 0 {
		return 0
	}
	return s.clock.Now() + ttl
}

// lockSuffix makes read-modify-write selects take a row lock on PostgreSQL;
// SQLite's immediate-mode transactions already serialize writers.
func (s *SQL) lockSuffix() string {
	if s.postgres {
		return " FOR UPDATE"
	}
	return ""
}

// withTx runs fn inside a transaction, committing on nil error.
func (s *SQL) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

const liveClause = "(expires_at = 0 OR expires_at > ?)"

// clampScore keeps score bounds representable in the database; callers pass
// ±Inf for open-ended ranges.
func clampScore(f float64) float64 {
	if math.IsInf(f, 1) {
		return math.MaxFloat64
	}
	if math.IsInf(f, -1) {
		return -math.MaxFloat64
	}
	return f
}

// Get returns the live value under key.
func (s *SQL) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	q := s.rebind("SELECT value FROM session_store WHERE key = ? AND member = '' AND " + liveClause)
	err := s.db.QueryRowContext(ctx, q, key, s.clock.Now()).Scan(&value)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return value, true, nil
}

// Set stores value under key with the given TTL.
func (s *SQL) Set(ctx context.Context, key string, value []byte, ttl float64) error {
	q := s.rebind(`INSERT INTO session_store (key, member, value, expires_at) VALUES (?, '', ?, ?)
		ON CONFLICT (key, member) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
	_, err := s.db.ExecContext(ctx, q, key, value, s.expiry(ttl))
	return err
}

// Delete removes key, including any sorted-set members stored under it.
func (s *SQL) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, s.rebind("DELETE FROM session_store WHERE key = ?"), key)
	return err
}

// Incr atomically adds delta to the integer under key inside a transaction,
// creating the row with the given TTL when absent or expired.
func (s *SQL) Incr(ctx context.Context, key string, delta int64, ttl float64) (int64, error) {
	var out int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		var value []byte
		q := s.rebind("SELECT value FROM session_store WHERE key = ? AND member = '' AND " + liveClause + s.lockSuffix())
		err := tx.QueryRowContext(ctx, q, key, now).Scan(&value)
		switch {
		case err == sql.ErrNoRows:
			out = delta
			ins := s.rebind(`INSERT INTO session_store (key, member, value, expires_at) VALUES (?, '', ?, ?)
				ON CONFLICT (key, member) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
			_, err = tx.ExecContext(ctx, ins, key, []byte(strconv.FormatInt(delta, 10)), s.expiry(ttl))
			return err
		case err != nil:
			return err
		}
		cur, err := strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return err
		}
		out = cur + delta
		upd := s.rebind("UPDATE session_store SET value = ? WHERE key = ? AND member = ''")
		_, err = tx.ExecContext(ctx, upd, []byte(strconv.FormatInt(out, 10)), key)
		return err
	})
	if err != nil {
		return 0, err
	}
	return out, nil
}

// ZAdd upserts (score, member) and refreshes the expiry of the whole set.
func (s *SQL) ZAdd(ctx context.Context, key string, score float64, member string, ttl float64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		exp := s.expiry(ttl)
		ins := s.rebind(`INSERT INTO session_store (key, member, score, expires_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (key, member) DO UPDATE SET score = excluded.score, expires_at = excluded.expires_at`)
		if _, err := tx.ExecContext(ctx, ins, key, member, score, exp); err != nil {
			return err
		}
		upd := s.rebind("UPDATE session_store SET expires_at = ? WHERE key = ?")
		_, err := tx.ExecContext(ctx, upd, exp, key)
		return err
	})
}

// ZRemRangeByScore removes members with scores in [lo, hi].
func (s *SQL) ZRemRangeByScore(ctx context.Context, key string, lo, hi float64) (int64, error) {
	q := s.rebind("DELETE FROM session_store WHERE key = ? AND member <> '' AND score >= ? AND score <= ?")
	res, err := s.db.ExecContext(ctx, q, key, clampScore(lo), clampScore(hi))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ZCount counts live members with scores in [lo, hi].
func (s *SQL) ZCount(ctx context.Context, key string, lo, hi float64) (int64, error) {
	var n int64
	q := s.rebind("SELECT COUNT(*) FROM session_store WHERE key = ? AND member <> '' AND score >= ? AND score <= ? AND " + liveClause)
	err := s.db.QueryRowContext(ctx, q, key, clampScore(lo), clampScore(hi), s.clock.Now()).Scan(&n)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// ZMinScore returns the lowest live score under key.
func (s *SQL) ZMinScore(ctx context.Context, key string) (float64, bool, error) {
	var min sql.NullFloat64
	q := s.rebind("SELECT MIN(score) FROM session_store WHERE key = ? AND member <> '' AND " + liveClause)
	err := s.db.QueryRowContext(ctx, q, key, s.clock.Now()).Scan(&min)
	if err != nil {
		return 0, false, err
	}
	if !min.Valid {
		return 0, false, nil
	}
	return min.Float64, true, nil
}

// CAS swaps the value under key for replacement when the current value
// equals expected, inside a transaction.
func (s *SQL) CAS(ctx context.Context, key string, expected, replacement []byte, ttl float64) (bool, error) {
	swapped := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		now := s.clock.Now()
		var value []byte
		q := s.rebind("SELECT value FROM session_store WHERE key = ? AND member = '' AND " + liveClause + s.lockSuffix())
		err := tx.QueryRowContext(ctx, q, key, now).Scan(&value)
		present := true
		if err == sql.ErrNoRows {
			present = false
		} else if err != nil {
			return err
		}
		if expected == nil {
			if present {
				return nil
			}
		} else if !present || string(value) != string(expected) {
			return nil
		}
		ins := s.rebind(`INSERT INTO session_store (key, member, value, expires_at) VALUES (?, '', ?, ?)
			ON CONFLICT (key, member) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`)
		if _, err := tx.ExecContext(ctx, ins, key, replacement, s.expiry(ttl)); err != nil {
			return err
		}
		swapped = true
		return nil
	})
	return swapped, err
}

// Clear removes every row whose key starts with prefix.
func (s *SQL) Clear(ctx context.Context, prefix string) error {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(prefix)
	q := s.rebind(`DELETE FROM session_store WHERE key LIKE ? ESCAPE '\'`)
	_, err := s.db.ExecContext(ctx, q, escaped+"%")
	return err
}

// Close stops the sweeper, closes the pool and removes an ephemeral file.
func (s *SQL) Close() error {
	if !s.closed {
		s.closed = true
		close(s.done)
	}
	err := s.db.Close()
	if s.ephemeral != "" {
		os.Remove(s.ephemeral)
		// WAL sidecar files
		os.Remove(s.ephemeral + "-wal")
		os.Remove(s.ephemeral + "-shm")
	}
	return err
}

// sweep periodically reaps expired rows.
func (s *SQL) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			q := s.rebind("DELETE FROM session_store WHERE expires_at > 0 AND expires_at <= ?")
			s.db.ExecContext(ctx, q, s.clock.Now())
			cancel()
		}
	}
}
