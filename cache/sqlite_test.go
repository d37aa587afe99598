package cache

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T, maxSize int) (*SQLiteStore, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	s, err := NewSQLiteStore(path, maxSize, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s, path
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	s, _ := newSQLite(t, 16)
	k := mustKey(t, "op", "a")

	require.NoError(t, s.Set(k, []string{"x", "y"}, time.Minute))

	raw, ok, err := s.Get(k)
	require.NoError(t, err)
	require.True(t, ok)

	var got []string
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, []string{"x", "y"}, got)
}

func TestSQLiteStoreTTLExpiry(t *testing.T) {
	s, _ := newSQLite(t, 16)
	k := mustKey(t, "op", "a")

	require.NoError(t, s.Set(k, "v", 30*time.Millisecond))

	_, ok, err := s.Get(k)
	require.NoError(t, err)
	assert.True(t, ok)

	time.Sleep(50 * time.Millisecond)

	_, ok, err = s.Get(k)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, s.Stats().Size, "expired row is deleted on touch")
}

func TestSQLiteStoreZeroTTLNeverCaches(t *testing.T) {
	s, _ := newSQLite(t, 16)
	k := mustKey(t, "op", "a")

	require.NoError(t, s.Set(k, "v", 0))
	_, ok, _ := s.Get(k)
	assert.False(t, ok)
}

func TestSQLiteStoreLRUEviction(t *testing.T) {
	s, _ := newSQLite(t, 2)
	a, b, c := mustKey(t, "op", "a"), mustKey(t, "op", "b"), mustKey(t, "op", "c")

	require.NoError(t, s.Set(a, 1, time.Minute))
	require.NoError(t, s.Set(b, 2, time.Minute))
	require.NoError(t, s.Set(c, 3, time.Minute))

	_, ok, err := s.Get(a)
	require.NoError(t, err)
	assert.False(t, ok, "oldest last_access should be pruned first")
	_, ok, _ = s.Get(b)
	assert.True(t, ok)
	_, ok, _ = s.Get(c)
	assert.True(t, ok)
}

func TestSQLiteStoreLRUTouchReorders(t *testing.T) {
	s, _ := newSQLite(t, 2)
	a, b, c := mustKey(t, "op", "a"), mustKey(t, "op", "b"), mustKey(t, "op", "c")

	require.NoError(t, s.Set(a, 1, time.Minute))
	require.NoError(t, s.Set(b, 2, time.Minute))

	_, ok, err := s.Get(a) // refresh a's last_access
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, s.Set(c, 3, time.Minute))

	_, ok, _ = s.Get(b)
	assert.False(t, ok, "b should be pruned, not a")
	_, ok, _ = s.Get(a)
	assert.True(t, ok)
}

func TestSQLiteStoreCorruptionRecovery(t *testing.T) {
	s, path := newSQLite(t, 16)
	k := mustKey(t, "op", "a")

	require.NoError(t, s.Set(k, map[string]int{"n": 1}, time.Minute))

	// Corrupt the persisted value behind the store's back.
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec("UPDATE cache SET value_json = ? WHERE key_text = ?", "{broken", string(k))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	_, ok, err := s.Get(k)
	require.NoError(t, err, "corruption must not surface as an error")
	assert.False(t, ok, "corrupt entry is a miss")
	assert.Equal(t, 0, s.Stats().Size, "corrupt row is deleted")

	// A fresh set on the same key works cleanly.
	require.NoError(t, s.Set(k, map[string]int{"n": 2}, time.Minute))
	raw, ok, err := s.Get(k)
	require.NoError(t, err)
	require.True(t, ok)
	var got map[string]int
	require.NoError(t, json.Unmarshal(raw, &got))
	assert.Equal(t, 2, got["n"])
}

func TestSQLiteStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	k, err := NewKey("op", "persist")
	require.NoError(t, err)

	s1, err := NewSQLiteStore(path, 16, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.Set(k, "kept", time.Hour))
	require.NoError(t, s1.Close())

	s2, err := NewSQLiteStore(path, 16, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()

	raw, ok, err := s2.Get(k)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `"kept"`, string(raw))
}

func TestSQLiteStoreInitDropsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.sqlite")
	k, err := NewKey("op", "gone")
	require.NoError(t, err)

	s1, err := NewSQLiteStore(path, 16, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, s1.Set(k, "v", 20*time.Millisecond))
	require.NoError(t, s1.Close())

	time.Sleep(40 * time.Millisecond)

	s2, err := NewSQLiteStore(path, 16, zerolog.Nop())
	require.NoError(t, err)
	defer s2.Close()
	assert.Equal(t, 0, s2.Stats().Size)
}

func TestSQLiteStoreSkipsNonSerializable(t *testing.T) {
	s, _ := newSQLite(t, 16)
	k := mustKey(t, "op", "a")

	require.NoError(t, s.Set(k, make(chan int), time.Minute))
	_, ok, _ := s.Get(k)
	assert.False(t, ok)
}

func TestSQLiteStoreClear(t *testing.T) {
	s, _ := newSQLite(t, 16)
	require.NoError(t, s.Set(mustKey(t, "op", "a"), 1, time.Minute))
	require.NoError(t, s.Set(mustKey(t, "op", "b"), 2, time.Minute))

	require.NoError(t, s.Clear())

	stats := s.Stats()
	assert.Equal(t, 0, stats.Size)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Misses)
}

func TestSQLiteStoreCloseTwice(t *testing.T) {
	s, _ := newSQLite(t, 16)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
}

func TestSQLiteStoreConcurrentAccess(t *testing.T) {
	const maxSize = 16
	s, _ := newSQLite(t, maxSize)

	keys := make([]Key, 32)
	for i := range keys {
		keys[i] = mustKey(t, "op", fmt.Sprintf("key-%d", i))
	}

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				k := keys[(g+i)%len(keys)]
				_ = s.Set(k, i, time.Minute)
				_, _, _ = s.Get(k)
			}
		}(g)
	}
	wg.Wait()

	assert.LessOrEqual(t, s.Stats().Size, maxSize)
}
