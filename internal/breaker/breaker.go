// Package breaker implements the Provisioning Circuit Breaker (§4.8): a
// classic three-state breaker (closed, open, half-open) keyed by
// provisioning context ("general", "replacement", ...), protecting the
// container runtime from provisioning storms.
//
// Grounded on the donor's engine_failure_tracker.go, which tracks the
// same closed/open/half-open shape per engine id (CanAttempt/
// RecordSuccess/RecordFailure/cooldown); generalized here to be keyed by
// an arbitrary provisioning context rather than a specific engine,
// since §4.8 breaks on sustained *provisioning* failure, not per-engine
// health failure (that's the Health Manager's job, §4.3).
package breaker

import (
	"sync"
	"time"
)

// State is one of the breaker's three states.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

type entry struct {
	state             State
	consecutiveFails  int
	openedAt          time.Time
	halfOpenProbeSent bool
}

// Breaker is a keyed collection of independent circuit breakers sharing
// one failure threshold and recovery timeout.
type Breaker struct {
	mu               sync.Mutex
	failureThreshold int
	recoveryTimeout  time.Duration
	entries          map[string]*entry
}

// New constructs a Breaker. failureThreshold consecutive failures in a
// context trip it open; it moves to half-open after recoveryTimeout.
func New(failureThreshold int, recoveryTimeout time.Duration) *Breaker {
	return &Breaker{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		entries:          make(map[string]*entry),
	}
}

func (b *Breaker) get(key string) *entry {
	e, ok := b.entries[key]
	if !ok {
		e = &entry{state: Closed}
		b.entries[key] = e
	}
	return e
}

// Allow reports whether a provisioning attempt in this context may
// proceed. When the breaker is open past its recovery timeout, it moves
// to half-open and allows exactly one probe attempt through; subsequent
// calls are denied until that probe resolves via RecordSuccess or
// RecordFailure.
func (b *Breaker) Allow(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	switch e.state {
	case Closed:
		return true
	case Open:
		if time.Since(e.openedAt) >= b.recoveryTimeout {
			e.state = HalfOpen
			e.halfOpenProbeSent = true
			return true
		}
		return false
	case HalfOpen:
		return false // a probe is already in flight
	}
	return false
}

// RecordSuccess closes the breaker and resets its failure count.
func (b *Breaker) RecordSuccess(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	e.state = Closed
	e.consecutiveFails = 0
	e.halfOpenProbeSent = false
}

// RecordFailure increments the failure count; at the threshold (or on
// any half-open probe failure) the breaker opens.
func (b *Breaker) RecordFailure(key string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	e := b.get(key)
	if e.state == HalfOpen {
		e.state = Open
		e.openedAt = time.Now()
		e.halfOpenProbeSent = false
		return
	}
	e.consecutiveFails++
	if e.consecutiveFails >= b.failureThreshold {
		e.state = Open
		e.openedAt = time.Now()
	}
}

// StateOf returns the current state for a context, for metrics/logging.
func (b *Breaker) StateOf(key string) State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.get(key).state
}
