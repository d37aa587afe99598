package cache

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"modernc.org/sqlite"
)

const (
	busyRetries   = 4
	busyBaseDelay = 50 * time.Millisecond
)

// SQLiteStore is a single-file TTL + LRU store. Durability favors
// availability (WAL, synchronous=NORMAL): this is a cache, not a system of
// record. The file may be shared with peer processes; busy/locked contention
// is retried with bounded backoff.
type SQLiteStore struct {
	mu      sync.Mutex
	db      *sql.DB
	path    string
	maxSize int
	hits    uint64
	misses  uint64
	closed  bool
	log     zerolog.Logger
}

// NewSQLiteStore opens or creates the cache file at path, ensures the
// schema, drops already-expired rows and prunes to maxSize.
func NewSQLiteStore(path string, maxSize int, log zerolog.Logger) (*SQLiteStore, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, fmt.Errorf("%w: create cache dir: %v", ErrUnavailable, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", ErrUnavailable, path, err)
	}
	// One connection keeps the store's mutex as the only serialization point.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, path: path, maxSize: maxSize, log: log}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug().Str("path", path).Int("maxsize", maxSize).Msg("sqlite cache ready")
	return s, nil
}

func (s *SQLiteStore) init() error {
	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=30000",
		`CREATE TABLE IF NOT EXISTS cache (
			key_text    TEXT PRIMARY KEY,
			expires_at  REAL NOT NULL,
			last_access REAL NOT NULL,
			value_json  TEXT NOT NULL
		)`,
	} {
		if _, err := s.exec(stmt); err != nil {
			return err
		}
	}
	if _, err := s.exec("DELETE FROM cache WHERE expires_at < ?", nowSeconds()); err != nil {
		return err
	}
	return s.prune()
}

// exec runs a statement, retrying busy/locked conditions with doubling
// sleeps. Any other error is fatal and wrapped in ErrUnavailable.
func (s *SQLiteStore) exec(query string, args ...any) (sql.Result, error) {
	delay := busyBaseDelay
	for attempt := 0; ; attempt++ {
		res, err := s.db.Exec(query, args...)
		if err == nil {
			return res, nil
		}
		if isBusy(err) && attempt < busyRetries {
			time.Sleep(delay)
			delay *= 2
			continue
		}
		s.log.Error().Err(err).Str("stmt", firstWord(query)).Msg("sqlite cache statement failed")
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// queryRow runs a single-row query with the same busy/locked retry policy
// as exec. sql.ErrNoRows passes through untouched.
func (s *SQLiteStore) queryRow(query string, args []any, dest ...any) error {
	delay := busyBaseDelay
	for attempt := 0; ; attempt++ {
		err := s.db.QueryRow(query, args...).Scan(dest...)
		if err == nil || errors.Is(err, sql.ErrNoRows) {
			return err
		}
		if isBusy(err) && attempt < busyRetries {
			time.Sleep(delay)
			delay *= 2
			continue
		}
		s.log.Error().Err(err).Str("stmt", firstWord(query)).Msg("sqlite cache query failed")
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
}

// Get implements Store. Corrupt rows are deleted and reported as misses.
func (s *SQLiteStore) Get(key Key) (json.RawMessage, bool, error) {
	now := nowSeconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	var expiresAt float64
	var valueJSON string
	err := s.queryRow(
		"SELECT expires_at, value_json FROM cache WHERE key_text = ?",
		[]any{string(key)}, &expiresAt, &valueJSON,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		s.misses++
		return nil, false, nil
	case err != nil:
		return nil, false, err
	}

	if expiresAt < now {
		if _, err := s.exec("DELETE FROM cache WHERE key_text = ?", string(key)); err != nil {
			return nil, false, err
		}
		s.misses++
		return nil, false, nil
	}

	if !json.Valid([]byte(valueJSON)) {
		s.log.Warn().Str("key", string(key)).Msg("sqlite cache: corrupt row, deleting")
		if _, err := s.exec("DELETE FROM cache WHERE key_text = ?", string(key)); err != nil {
			return nil, false, err
		}
		s.misses++
		return nil, false, nil
	}

	if _, err := s.exec(
		"UPDATE cache SET last_access = ? WHERE key_text = ?", now, string(key),
	); err != nil {
		return nil, false, err
	}
	s.hits++
	return json.RawMessage(valueJSON), true, nil
}

// Set implements Store. Insert and prune run as separate statements under
// the store's mutex; across processes the maxsize bound is best-effort.
func (s *SQLiteStore) Set(key Key, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		s.log.Debug().Str("key", string(key)).Err(err).
			Msg("sqlite cache: value not serializable, skipping")
		return nil
	}
	now := nowSeconds()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = s.exec(
		`INSERT INTO cache (key_text, expires_at, last_access, value_json)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key_text) DO UPDATE SET
		     expires_at=excluded.expires_at,
		     last_access=excluded.last_access,
		     value_json=excluded.value_json`,
		string(key), now+ttl.Seconds(), now, string(encoded),
	)
	if err != nil {
		return err
	}
	return s.prune()
}

// prune deletes the oldest last_access rows until count <= maxSize.
// Callers hold the mutex (or are still single-threaded during init).
func (s *SQLiteStore) prune() error {
	var count int
	if err := s.queryRow("SELECT COUNT(*) FROM cache", nil, &count); err != nil {
		return err
	}
	if count <= s.maxSize {
		return nil
	}
	_, err := s.exec(
		`DELETE FROM cache WHERE key_text IN (
			SELECT key_text FROM cache ORDER BY last_access ASC LIMIT ?
		)`, count-s.maxSize,
	)
	return err
}

// Clear implements Store.
func (s *SQLiteStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.exec("DELETE FROM cache"); err != nil {
		return err
	}
	s.hits = 0
	s.misses = 0
	return nil
}

// Stats implements Store. Size is read live from the file; hit/miss counters
// are per-instance.
func (s *SQLiteStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	var size int
	_ = s.queryRow("SELECT COUNT(*) FROM cache", nil, &size)
	return Stats{
		Backend: "sqlite",
		Path:    s.path,
		Size:    size,
		Hits:    s.hits,
		Misses:  s.misses,
		MaxSize: s.maxSize,
	}
}

// Close implements Store.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func isBusy(err error) bool {
	var serr *sqlite.Error
	if errors.As(err, &serr) {
		code := serr.Code() & 0xff
		return code == 5 || code == 6 // SQLITE_BUSY, SQLITE_LOCKED
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "busy") || strings.Contains(msg, "locked")
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / float64(time.Second)
}

func firstWord(s string) string {
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

var _ Store = (*SQLiteStore)(nil)
