package cache

import (
	"context"
	"strconv"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore keeps entries in process memory. Suitable for single-instance deployments and tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore constructs an empty in-memory Store.
func NewMemoryStore(opts ...Option) *MemoryStore {
	o := applyOptions(opts)
	return &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     o.now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := memoryEntry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		entry.expiresAt = s.now().Add(ttl)
	}
	s.entries[key] = entry
	return nil
}

func (s *MemoryStore) Delete(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range keys {
		delete(s.entries, key)
	}
	return nil
}

func (s *MemoryStore) IncrementWithTTL(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	count, ttl, _, err := s.increment(ctx, key, 0, window)
	return count, ttl, err
}

func (s *MemoryStore) IncrementIfBelow(ctx context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	if limit <= 0 {
		count, ttl, err := s.peek(key)
		return count, ttl, false, err
	}
	return s.increment(ctx, key, limit, window)
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)
	if !ok || entry.expiresAt.IsZero() {
		return 0, false, nil
	}
	return entry.expiresAt.Sub(s.now()), true, nil
}

// PurgeExpired drops every expired entry.
func (s *MemoryStore) PurgeExpired(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var removed int64
	for key, entry := range s.entries {
		if entry.expired(now) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

// increment applies the fixed-window counter update; limit 0 means unbounded.
func (s *MemoryStore) increment(_ context.Context, key string, limit int64, window time.Duration) (int64, time.Duration, bool, error) {
	window = normaliseWindow(window)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry, ok := s.liveLocked(key)
	if !ok {
		entry = memoryEntry{expiresAt: now.Add(window)}
	}

	current, _ := strconv.ParseInt(string(entry.value), 10, 64)
	if limit > 0 && current >= limit {
		return current, remaining(entry.expiresAt, now), false, nil
	}

	current++
	entry.value = []byte(strconv.FormatInt(current, 10))
	s.entries[key] = entry
	return current, remaining(entry.expiresAt, now), true, nil
}

func (s *MemoryStore) peek(key string) (int64, time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.liveLocked(key)
	if !ok {
		return 0, 0, nil
	}
	current, _ := strconv.ParseInt(string(entry.value), 10, 64)
	return current, remaining(entry.expiresAt, s.now()), nil
}

func (s *MemoryStore) liveLocked(key string) (memoryEntry, bool) {
	entry, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if entry.expired(s.now()) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return entry, true
}

func remaining(expiresAt, now time.Time) time.Duration {
	if expiresAt.IsZero() {
		return 0
	}
	if d := expiresAt.Sub(now); d > 0 {
		return d
	}
	return 0
}
