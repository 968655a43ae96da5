// Package breaker implements the per-sink circuit breaker of spec §4.3.
//
// State diagram:
//
//	CLOSED ──consecutive failures ≥ threshold──► OPEN
//	OPEN ──open_duration elapsed──► HALF_OPEN
//	HALF_OPEN ──first success──► CLOSED
//	HALF_OPEN ──any failure──► OPEN
//
// Grounded on internal/queue/statemachine.go's explicit ValidTransition
// table idiom, adapted from a message-lifecycle diagram to a breaker
// state diagram.
package breaker

import (
	"sync"
	"time"
)

// State is a circuit breaker state (spec §6.6 edgebot_breaker_state values
// 0/1/2 map to Closed/Open/HalfOpen respectively).
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// ValidTransition reports whether from → to is a legal breaker state
// change, mirroring the diagram in spec §4.3.
func ValidTransition(from, to State) bool {
	switch from {
	case Closed:
		return to == Open
	case Open:
		return to == HalfOpen
	case HalfOpen:
		return to == Closed || to == Open
	}
	return false
}

// Config holds breaker tunables (spec §4.3, §6.4).
type Config struct {
	FailureThreshold   int
	OpenDuration       time.Duration
	HalfOpenMaxInflight int
}

// DefaultConfig returns the defaults named in spec §4.3.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    5,
		OpenDuration:        60 * time.Second,
		HalfOpenMaxInflight: 2,
	}
}

// Breaker is a per-sink circuit breaker. It is updated only on terminal
// results from the retry policy, never on individual attempt failures
// (spec §4.3).
type Breaker struct {
	cfg Config

	mu               sync.Mutex
	state            State
	consecutiveFails int
	openedAt         time.Time
	halfOpenInflight int
}

// New creates a Breaker starting in the Closed state.
func New(cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if cfg.OpenDuration <= 0 {
		cfg.OpenDuration = DefaultConfig().OpenDuration
	}
	if cfg.HalfOpenMaxInflight <= 0 {
		cfg.HalfOpenMaxInflight = DefaultConfig().HalfOpenMaxInflight
	}
	return &Breaker{cfg: cfg, state: Closed}
}

// Admit checks whether a call may proceed. It returns true if admitted; the
// caller must call Success or Failure exactly once for every admitted call,
// and must call ReleaseHalfOpen if it was admitted while HalfOpen and it
// decides not to actually perform the call after all.
func (b *Breaker) Admit() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if time.Since(b.openedAt) >= b.cfg.OpenDuration {
			b.state = HalfOpen
			b.halfOpenInflight = 0
		} else {
			return false
		}
		fallthrough
	case HalfOpen:
		if b.halfOpenInflight >= b.cfg.HalfOpenMaxInflight {
			return false
		}
		b.halfOpenInflight++
		return true
	}
	return false
}

// Success records a terminal success (spec §4.3: half_open → closed on
// first success).
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveFails = 0
	if b.state == HalfOpen {
		b.halfOpenInflight--
		if b.halfOpenInflight < 0 {
			b.halfOpenInflight = 0
		}
		b.state = Closed
	}
}

// Failure records a terminal failure (spec §4.3: closed → open at
// threshold; half_open → open on any failure).
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case HalfOpen:
		b.halfOpenInflight--
		if b.halfOpenInflight < 0 {
			b.halfOpenInflight = 0
		}
		b.state = Open
		b.openedAt = time.Now()
	case Closed:
		b.consecutiveFails++
		if b.consecutiveFails >= b.cfg.FailureThreshold {
			b.state = Open
			b.openedAt = time.Now()
		}
	}
}

// ReleaseHalfOpen returns an admitted half-open slot without recording a
// success or failure, for a caller that decided not to perform the call
// after all (spec §4.3) — e.g. the claim came back empty, or the rate
// limiter wait was cancelled before the call ever happened.
func (b *Breaker) ReleaseHalfOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == HalfOpen && b.halfOpenInflight > 0 {
		b.halfOpenInflight--
	}
}

// State returns a lock-free-acceptable snapshot of the current state for
// the health endpoint (spec §5: "eventual consistency is fine").
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
