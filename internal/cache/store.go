package cache

import (
	"container/list"
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// Entry is a cached value together with the time it was stored and its TTL.
type Entry struct {
	Key      string
	Value    any
	StoredAt time.Time
	TTL      time.Duration

	size int64
}

// Fresh reports whether the entry is still within its TTL at now.
func (e *Entry) Fresh(now time.Time) bool {
	return now.Sub(e.StoredAt) < e.TTL
}

// Stats is a point-in-time view of the store counters.
type Stats struct {
	Entries        int     `json:"entries"`
	Hits           uint64  `json:"hits"`
	Misses         uint64  `json:"misses"`
	Evictions      uint64  `json:"evictions"`
	HitRate        float64 `json:"hit_rate"`
	MemoryEstimate int64   `json:"memory_estimate_bytes"`
}

// Store is a thread-safe TTL cache with optional least-recently-read
// eviction. Reads reorder the recency list, so Get takes the write lock.
type Store struct {
	mu       sync.Mutex
	data     map[string]*list.Element
	recency  *list.List // front = most recently read or written
	capacity int

	hits      uint64
	misses    uint64
	evictions uint64
	bytes     int64

	now func() time.Time // injectable for deterministic tests
}

// Option configures a Store.
type Option func(*Store)

// WithNow replaces the wall clock used for StoredAt and freshness checks.
func WithNow(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a Store. capacity <= 0 means unbounded.
func New(capacity int, opts ...Option) *Store {
	if capacity < 0 {
		capacity = 0
	}
	s := &Store{
		data:     make(map[string]*list.Element),
		recency:  list.New(),
		capacity: capacity,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the value stored under key if it exists and is fresh.
// Every call counts as either a hit or a miss.
func (s *Store) Get(key string) (any, bool) {
	e, ok := s.Lookup(key)
	if !ok {
		return nil, false
	}
	return e.Value, true
}

// Lookup is Get returning a copy of the whole entry, so callers can see when
// the value was stored.
func (s *Store) Lookup(key string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.data[key]
	if !ok {
		s.misses++
		return Entry{}, false
	}
	e := el.Value.(*Entry)
	if !e.Fresh(s.now()) {
		s.misses++
		return Entry{}, false
	}
	s.hits++
	s.recency.MoveToFront(el)
	return *e, true
}

// Set stores value under key, replacing any previous entry.
func (s *Store) Set(key string, value any, ttl time.Duration) {
	s.store(key, value, ttl, s.now(), false)
}

// SetAt stores value under key as of storedAt. The write is skipped, and
// SetAt reports false, when a fresh entry stored after storedAt is resident.
func (s *Store) SetAt(key string, value any, ttl time.Duration, storedAt time.Time) bool {
	return s.store(key, value, ttl, storedAt, true)
}

func (s *Store) store(key string, value any, ttl time.Duration, storedAt time.Time, keepNewer bool) bool {
	e := &Entry{
		Key:      key,
		Value:    value,
		StoredAt: storedAt,
		TTL:      ttl,
		size:     int64(len(key)) + sizeOf(value),
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		if cur := el.Value.(*Entry); keepNewer && cur.Fresh(s.now()) && cur.StoredAt.After(storedAt) {
			return false
		}
		s.bytes -= el.Value.(*Entry).size
		el.Value = e
		s.recency.MoveToFront(el)
	} else {
		s.data[key] = s.recency.PushFront(e)
	}
	s.bytes += e.size

	if s.capacity > 0 {
		for len(s.data) > s.capacity {
			s.removeElement(s.recency.Back())
			s.evictions++
		}
	}
	return true
}

// Delete removes key. It reports whether an entry was present.
func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	el, ok := s.data[key]
	if ok {
		s.removeElement(el)
	}
	return ok
}

// Clear drops every entry and resets all counters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = make(map[string]*list.Element)
	s.recency.Init()
	s.hits, s.misses, s.evictions, s.bytes = 0, 0, 0, 0
}

// Len returns the number of resident entries, including expired ones that
// have not been evicted yet.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Stats returns the current counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		Entries:        len(s.data),
		Hits:           s.hits,
		Misses:         s.misses,
		Evictions:      s.evictions,
		MemoryEstimate: s.bytes,
	}
	if total := s.hits + s.misses; total > 0 {
		st.HitRate = float64(s.hits) / float64(total)
	}
	return st
}

// Evict removes entries that are expired at now and returns how many were
// removed. Expired removals are not counted as capacity evictions.
func (s *Store) Evict(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for _, el := range s.data {
		if !el.Value.(*Entry).Fresh(now) {
			s.removeElement(el)
			removed++
		}
	}
	return removed
}

// Run sweeps expired entries every interval (minimum 1 second) until ctx is
// cancelled. Reads never depend on the sweep; it only bounds residency.
func (s *Store) Run(ctx context.Context, interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	t := time.NewTicker(interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := s.Evict(now); n > 0 {
				slog.Debug("cache: evicted expired entries", "count", n)
			}
		}
	}
}

// removeElement must be called with s.mu held.
func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*Entry)
	s.recency.Remove(el)
	delete(s.data, e.Key)
	s.bytes -= e.size
}

// sizeOf approximates the in-memory footprint of v by its encoded length.
func sizeOf(v any) int64 {
	switch x := v.(type) {
	case nil:
		return 0
	case []byte:
		return int64(len(x))
	case json.RawMessage:
		return int64(len(x))
	case string:
		return int64(len(x))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return int64(len(b))
}
