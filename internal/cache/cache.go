// Package cache provides the TTL response store guarding rate-limited
// upstreams. The default in-process implementation is Memory.
package cache

import (
	"encoding/json"
	"time"
)

// DefaultTTL is how long an upstream response stays valid.
const DefaultTTL = 10 * time.Minute

// Entry is a cached upstream payload. Entries are never mutated after
// insertion; a fresh Store replaces the whole entry.
type Entry struct {
	Key        string
	Payload    json.RawMessage
	InsertedAt time.Time
}

// Age reports how old the entry is at now.
func (e *Entry) Age(now time.Time) time.Duration {
	return now.Sub(e.InsertedAt)
}

// Store defines the interface for response caching.
type Store interface {
	// Lookup returns the entry for key if it is younger than the TTL.
	// An expired entry is removed as a side effect.
	Lookup(key string) (*Entry, bool)
	// Store inserts or replaces the entry for key.
	Store(key string, payload json.RawMessage)
	Len() int
	TTL() time.Duration
}
