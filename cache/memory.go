package cache

import (
	"container/list"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// MemoryStore is an in-process TTL + LRU store. Values are kept in their
// encoded form so hits decode to fresh structures instead of aliasing a
// shared map across goroutines.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[Key]*list.Element
	order   *list.List // front = most recently used
	maxSize int
	hits    uint64
	misses  uint64
	log     zerolog.Logger
}

type memoryEntry struct {
	key       Key
	value     json.RawMessage
	expiresAt time.Time
}

// NewMemoryStore creates a memory store holding at most maxSize entries.
func NewMemoryStore(maxSize int, log zerolog.Logger) *MemoryStore {
	return &MemoryStore{
		entries: make(map[Key]*list.Element),
		order:   list.New(),
		maxSize: maxSize,
		log:     log,
	}
}

// Get implements Store. Expired entries are purged on touch.
func (s *MemoryStore) Get(key Key) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		s.misses++
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !entry.expiresAt.After(time.Now()) {
		s.order.Remove(el)
		delete(s.entries, key)
		s.misses++
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	s.hits++
	return entry.value, true, nil
}

// Set implements Store. ttl <= 0 never caches; values that cannot be encoded
// are skipped.
func (s *MemoryStore) Set(key Key, value any, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		s.log.Debug().Str("key", string(key)).Err(err).
			Msg("memory cache: value not serializable, skipping")
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &memoryEntry{key: key, value: encoded, expiresAt: time.Now().Add(ttl)}
	if el, ok := s.entries[key]; ok {
		el.Value = entry
		s.order.MoveToFront(el)
	} else {
		s.entries[key] = s.order.PushFront(entry)
	}
	for len(s.entries) > s.maxSize {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.order.Remove(oldest)
		delete(s.entries, oldest.Value.(*memoryEntry).key)
	}
	return nil
}

// Clear implements Store.
func (s *MemoryStore) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = make(map[Key]*list.Element)
	s.order.Init()
	s.hits = 0
	s.misses = 0
	return nil
}

// Stats implements Store.
func (s *MemoryStore) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Backend: "memory",
		Size:    len(s.entries),
		Hits:    s.hits,
		Misses:  s.misses,
		MaxSize: s.maxSize,
	}
}

// Close implements Store. The memory store holds no external resources.
func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
