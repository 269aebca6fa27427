// Package ratelimit provides an in-memory token-bucket limiter and the HTTP
// middleware that applies it per client IP, so a single caller cannot burn
// through the upstreams' own quotas.
package ratelimit

import (
	"sync"
	"time"
)

// Limiter is a single token bucket.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens added per second
	burst      float64 // maximum token capacity
	tokens     float64
	lastRefill time.Time
	now        func() time.Time
}

// New creates a Limiter allowing ratePerSecond requests/s with a burst capacity.
// If burst <= 0, it defaults to ratePerSecond.
func New(ratePerSecond, burst float64) *Limiter {
	return newWithClock(ratePerSecond, burst, time.Now)
}

func newWithClock(ratePerSecond, burst float64, now func() time.Time) *Limiter {
	if burst <= 0 {
		burst = ratePerSecond
	}
	return &Limiter{
		rate:       ratePerSecond,
		burst:      burst,
		tokens:     burst,
		lastRefill: now(),
		now:        now,
	}
}

// Allow consumes one token and returns true if the request is permitted.
func (l *Limiter) Allow() bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.tokens += now.Sub(l.lastRefill).Seconds() * l.rate
	if l.tokens > l.burst {
		l.tokens = l.burst
	}
	l.lastRefill = now

	if l.tokens >= 1.0 {
		l.tokens--
		return true
	}
	return false
}

// RetryAfter estimates the whole seconds until the next token is available.
func (l *Limiter) RetryAfter() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.rate <= 0 || l.tokens >= 1.0 {
		return 0
	}
	secs := int((1.0-l.tokens)/l.rate) + 1
	return secs
}

// Store maintains per-key Limiter instances.
type Store struct {
	mu       sync.RWMutex
	limiters map[string]*Limiter
	rate     float64
	burst    float64
	now      func() time.Time
}

// NewStore creates a Store whose per-key limiters share the same rate/burst.
func NewStore(ratePerSecond, burst float64) *Store {
	return &Store{
		limiters: make(map[string]*Limiter),
		rate:     ratePerSecond,
		burst:    burst,
		now:      time.Now,
	}
}

// Get returns the limiter for key, creating it on first use.
func (s *Store) Get(key string) *Limiter {
	s.mu.RLock()
	l, ok := s.limiters[key]
	s.mu.RUnlock()
	if ok {
		return l
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok = s.limiters[key]; ok {
		return l
	}
	l = newWithClock(s.rate, s.burst, s.now)
	s.limiters[key] = l
	return l
}

// Allow checks the limiter for key.
func (s *Store) Allow(key string) bool {
	return s.Get(key).Allow()
}
