// Package breaker implements the per-service circuit breaker gating
// dispatch on the request path. Failures and reroutes accrue independently;
// either can trip the breaker.
package breaker

import (
	"sync"
	"time"
)

// State is the breaker position.
type State int

const (
	StateClosed   State = iota // dispatch passes
	StateOpen                  // dispatch rejected until the dwell elapses
	StateHalfOpen              // probing: requests forwarded, next outcome decides
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF-OPEN"
	default:
		return "UNKNOWN"
	}
}

// Config holds the trip thresholds and windows shared by all breakers.
type Config struct {
	// ErrorThreshold failures within ErrorTimeout open the breaker.
	ErrorThreshold int
	// ErrorTimeout is both the window in which failures accumulate and the
	// OPEN dwell before a probe is admitted. The double duty is deliberate.
	ErrorTimeout time.Duration
	// RerouteThreshold consecutive reroutes within RerouteWindow open the breaker.
	RerouteThreshold int
	RerouteWindow    time.Duration
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		ErrorThreshold:   3,
		ErrorTimeout:     17500 * time.Millisecond,
		RerouteThreshold: 2,
		RerouteWindow:    5 * time.Second,
	}
}

// Breaker is a three-state circuit breaker for one service type. All fields
// are guarded by mu; callers hold no lock across I/O.
type Breaker struct {
	cfg Config

	mu                  sync.Mutex
	state               State
	failures            int
	lastFailureAt       time.Time // zero = never failed
	reroutes            int64     // monotonic diagnostic counter
	consecutiveReroutes int
	lastRerouteAt       time.Time

	now      func() time.Time // for testing
	onChange func(State)      // called outside state invariant checks, inside mu
}

// New creates a closed breaker. onChange, if non-nil, is invoked on every
// state transition with the new state.
func New(cfg Config, onChange func(State)) *Breaker {
	return &Breaker{
		cfg:      cfg,
		state:    StateClosed,
		now:      time.Now,
		onChange: onChange,
	}
}

// Dispatch is the gate taken once per request before any forwarding work.
// It returns whether the request may proceed, and whether it proceeds as the
// probe consuming the OPEN→HALF_OPEN transition (which records a reroute).
func (b *Breaker) Dispatch() (allowed, probe bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.now().Sub(b.lastFailureAt) > b.cfg.ErrorTimeout {
			b.setState(StateHalfOpen)
			b.consecutiveReroutes = 0
			b.reroutes++
			return true, true
		}
		return false, false
	default:
		return true, false
	}
}

// RecordSuccess records a non-5xx backend response. In HALF_OPEN the breaker
// closes and zeroes its counters; in CLOSED only the reroute streak resets.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutiveReroutes = 0

	if b.state == StateHalfOpen {
		b.setState(StateClosed)
		b.failures = 0
		b.lastFailureAt = time.Time{}
	}
}

// RecordFailure records a transport error, timeout, or 5xx response. The
// failure count resets to 1 when the previous failure fell outside the
// window; reaching the threshold opens the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if !b.lastFailureAt.IsZero() && now.Sub(b.lastFailureAt) > b.cfg.ErrorTimeout {
		b.failures = 1
	} else {
		b.failures++
	}
	b.lastFailureAt = now

	if b.failures >= b.cfg.ErrorThreshold && b.state != StateOpen {
		b.setState(StateOpen)
	}
}

// RecordReroute records that a request was forwarded to an instance other
// than the first choice. The streak resets when more than the reroute window
// has elapsed since the previous reroute; reaching the threshold opens the
// breaker, stamping lastFailureAt so the OPEN dwell starts now.
func (b *Breaker) RecordReroute() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()

	if !b.lastRerouteAt.IsZero() && now.Sub(b.lastRerouteAt) > b.cfg.RerouteWindow {
		b.consecutiveReroutes = 0
	}
	b.consecutiveReroutes++
	b.reroutes++
	b.lastRerouteAt = now

	if b.consecutiveReroutes >= b.cfg.RerouteThreshold && b.state != StateOpen {
		b.setState(StateOpen)
		b.lastFailureAt = now
	}
}

// State returns the current position without side effects. Time-based
// transitions happen only at the dispatch gate.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reroutes returns the monotonic reroute counter.
func (b *Breaker) Reroutes() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reroutes
}

// Failures returns the current windowed failure count.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// setState transitions the machine and fires onChange. Caller holds mu.
func (b *Breaker) setState(s State) {
	if b.state == s {
		return
	}
	b.state = s
	if b.onChange != nil {
		b.onChange(s)
	}
}

// GaugeValue encodes a state for the circuit_breaker_status metric:
// CLOSED=0, OPEN=1, HALF_OPEN=2.
func GaugeValue(s State) int {
	switch s {
	case StateOpen:
		return 1
	case StateHalfOpen:
		return 2
	default:
		return 0
	}
}
