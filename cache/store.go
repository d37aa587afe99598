// Package cache provides a two-tier TTL+LRU response cache keyed by
// canonical (operation, parameters) pairs: a process-local memory backend
// and a single-file SQLite backend sharing one contract.
package cache

import (
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for cache operations.
var (
	// ErrUnavailable wraps fatal storage faults on the persistent backend.
	// Callers should treat the cache as unavailable, not the data as wrong.
	ErrUnavailable = errors.New("cache: storage unavailable")
)

// Store is the contract shared by both cache backends.
//
// Contract:
// - Concurrency: implementations must be safe for concurrent use.
// - Get returns (nil, false, nil) for absent, expired or corrupt entries;
//   a non-nil error signals a fatal storage fault only.
// - Set with ttl <= 0 is a no-op. Values that cannot be encoded are logged
//   and skipped without failing the caller.
type Store interface {
	// Get retrieves the encoded value for key. A hit moves the entry to
	// most-recently-used.
	Get(key Key) (json.RawMessage, bool, error)

	// Set stores value for key with the given TTL, evicting least-recently
	// used entries when the store exceeds its capacity.
	Set(key Key, value any, ttl time.Duration) error

	// Clear drops all entries and resets hit/miss counters.
	Clear() error

	// Stats returns a snapshot of the store's counters.
	Stats() Stats

	// Close releases the store's resources. Safe to call more than once.
	Close() error
}

// Stats is a point-in-time snapshot of a store.
type Stats struct {
	Backend string `json:"backend"`
	Path    string `json:"path,omitempty"`
	Size    int    `json:"size"`
	Hits    uint64 `json:"hits"`
	Misses  uint64 `json:"misses"`
	MaxSize int    `json:"maxsize"`
}
