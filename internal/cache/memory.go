package cache

import (
	"encoding/json"
	"sync"
	"time"
)

// Option configures a Memory store.
type Option func(*Memory)

// WithClock overrides the time source. Used by tests.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) {
		m.now = now
	}
}

// Memory is a thread-safe in-memory store with lazy TTL expiration.
// There is no capacity bound and no background sweep: an expired entry
// lingers until its next lookup.
type Memory struct {
	mu      sync.Mutex
	ttl     time.Duration
	now     func() time.Time
	entries map[string]*Entry
}

// NewMemory creates an empty store. A non-positive ttl falls back to DefaultTTL.
func NewMemory(ttl time.Duration, opts ...Option) *Memory {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	m := &Memory{
		ttl:     ttl,
		now:     time.Now,
		entries: make(map[string]*Entry),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Lookup returns the cached entry for key, or false if missing or expired.
func (m *Memory) Lookup(key string) (*Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	entry, ok := m.entries[key]
	if !ok {
		return nil, false
	}
	if entry.Age(m.now()) >= m.ttl {
		delete(m.entries, key)
		return nil, false
	}
	return entry, true
}

// Store records payload under key with the current time.
func (m *Memory) Store(key string, payload json.RawMessage) {
	entry := &Entry{
		Key:        key,
		Payload:    append(json.RawMessage(nil), payload...),
		InsertedAt: m.now(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = entry
}

// Len returns the number of entries held, including expired entries that
// have not been looked up since they expired.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// TTL returns the configured time-to-live.
func (m *Memory) TTL() time.Duration {
	return m.ttl
}
