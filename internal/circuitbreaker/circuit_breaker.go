// Package circuitbreaker trips an upstream after repeated failures so the
// proxy stops hammering an API that is down. Each upstream gets its own
// breaker from a Set.
//
// State transitions:
//
//	Closed   → Open      when consecutive failures ≥ failure threshold
//	Open     → HalfOpen  after the open timeout elapses
//	HalfOpen → Closed    when consecutive successes ≥ success threshold
//	HalfOpen → Open      on any failure
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

// State represents the breaker's current state.
type State int

const (
	// StateClosed passes calls through.
	StateClosed State = iota
	// StateOpen rejects calls immediately.
	StateOpen
	// StateHalfOpen lets calls through to probe for recovery.
	StateHalfOpen
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned when a call is rejected because the circuit is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// Settings configures a breaker. Zero values take the defaults noted below.
type Settings struct {
	FailureThreshold int           // default 5
	SuccessThreshold int           // default 1
	OpenTimeout      time.Duration // default 30s
	// OnStateChange is invoked with the breaker mutex held; keep it cheap.
	OnStateChange func(name string, to State)
	now           func() time.Time
}

func (s Settings) withDefaults() Settings {
	if s.FailureThreshold <= 0 {
		s.FailureThreshold = 5
	}
	if s.SuccessThreshold <= 0 {
		s.SuccessThreshold = 1
	}
	if s.OpenTimeout <= 0 {
		s.OpenTimeout = 30 * time.Second
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Breaker guards a single upstream.
type Breaker struct {
	name     string
	settings Settings

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	openUntil    time.Time
}

// New creates a closed Breaker for the named upstream.
func New(name string, settings Settings) *Breaker {
	return &Breaker{
		name:     name,
		settings: settings.withDefaults(),
		state:    StateClosed,
	}
}

// State returns the current state, moving Open to HalfOpen once the timeout
// has elapsed.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resolveState()
}

// resolveState must be called with b.mu held.
func (b *Breaker) resolveState() State {
	if b.state == StateOpen && b.settings.now().After(b.openUntil) {
		b.transition(StateHalfOpen)
	}
	return b.state
}

// transition must be called with b.mu held.
func (b *Breaker) transition(to State) {
	if b.state == to {
		return
	}
	b.state = to
	switch to {
	case StateOpen:
		b.openUntil = b.settings.now().Add(b.settings.OpenTimeout)
		b.successCount = 0
	case StateHalfOpen:
		b.successCount = 0
	case StateClosed:
		b.failureCount = 0
		b.successCount = 0
	}
	if b.settings.OnStateChange != nil {
		b.settings.OnStateChange(b.name, to)
	}
}

// Allow returns ErrCircuitOpen when the call should be rejected.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.resolveState() == StateOpen {
		return ErrCircuitOpen
	}
	return nil
}

// RecordSuccess notifies the breaker that a call succeeded.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolveState() {
	case StateHalfOpen:
		b.successCount++
		if b.successCount >= b.settings.SuccessThreshold {
			b.transition(StateClosed)
		}
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure notifies the breaker that a call failed.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.resolveState() {
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.settings.FailureThreshold {
			b.transition(StateOpen)
		}
	case StateHalfOpen:
		b.transition(StateOpen)
	}
}

// Set hands out one Breaker per upstream name, created on first use.
type Set struct {
	settings Settings

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewSet creates a Set whose breakers share settings.
func NewSet(settings Settings) *Set {
	return &Set{
		settings: settings,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	if !ok {
		b = New(name, s.settings)
		s.breakers[name] = b
	}
	return b
}

// Snapshot returns the current state of every breaker created so far.
func (s *Set) Snapshot() map[string]State {
	s.mu.Lock()
	breakers := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		breakers = append(breakers, b)
	}
	s.mu.Unlock()

	out := make(map[string]State, len(breakers))
	for _, b := range breakers {
		out[b.name] = b.State()
	}
	return out
}
