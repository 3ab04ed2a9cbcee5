// Package circuitbreaker implements the failure-rate/slow-call state
// machine of spec §4.C. Adapted from the teacher's
// app/circuitbreaker.CircuitBreaker — the Closed/Open/HalfOpen states and
// update/record split are kept, generalized with a window of call
// outcomes, slow call tracking, ignored-exception classification, and
// event sinks. The window holds every outcome recorded since the breaker
// last closed; it is cleared on the transition to Closed and is not
// bounded by count or age.
package circuitbreaker

import (
	"context"
	"sync"
	"time"

	relayerrors "github.com/baechuer/relay/errors"
)

// State is the circuit breaker's current state.
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
		return "half_open"
	default:
		return "closed"
	}
}

// EventSink receives circuit breaker lifecycle events synchronously on the
// calling goroutine (spec §9: sinks are responsible for their own
// offloading).
type EventSink interface {
	OnStateChanged(previous, next State, reason string)
	OnRejected(current State)
}

type noopSink struct{}

func (noopSink) OnStateChanged(State, State, string) {}
func (noopSink) OnRejected(State)                    {}

// Config configures the breaker per the `circuit` option group of spec §6.
type Config struct {
	Enabled                bool
	FailureThreshold       int
	Timeout                time.Duration // reset timeout: Open -> HalfOpen
	HalfOpenSuccessThreshold int
	SlowCallDurationThreshold time.Duration
	TrackSlowCalls          bool
	IgnoredExceptionTypes   map[string]bool
	ExceptionPredicate      func(err error) bool // false => not a failure
	Sink                    EventSink
}

// outcome of a single call, used to update the rolling window.
type outcome struct {
	failure bool
	slow    bool
}

// CircuitBreaker gates calls behind the Closed/Open/HalfOpen state machine.
type CircuitBreaker struct {
	cfg Config

	mu             sync.Mutex
	state          State
	window         []outcome
	openedAt       time.Time
	halfOpenOK     int
}

func New(cfg Config) *CircuitBreaker {
	if cfg.Sink == nil {
		cfg.Sink = noopSink{}
	}
	if cfg.HalfOpenSuccessThreshold <= 0 {
		cfg.HalfOpenSuccessThreshold = 1
	}
	return &CircuitBreaker{cfg: cfg, state: Closed}
}

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Allow reports whether a call may proceed, transitioning Open->HalfOpen
// when the reset timeout has elapsed. It does not itself execute anything
// — Call wraps this with the function invocation and outcome recording.
func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.Enabled {
		return nil
	}

	switch cb.state {
	case Open:
		if time.Since(cb.openedAt) >= cb.cfg.Timeout {
			cb.transition(HalfOpen, "reset timeout elapsed")
			return nil
		}
		cb.cfg.Sink.OnRejected(cb.state)
		return relayerrors.New(relayerrors.CodeCircuitOpen, "circuit breaker is open")
	default:
		return nil
	}
}

// Call executes fn under circuit breaker protection.
func (cb *CircuitBreaker) Call(ctx context.Context, fn func(context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	start := time.Now()
	err := fn(ctx)
	took := time.Since(start)

	cb.record(err, took)
	return err
}

func (cb *CircuitBreaker) record(err error, took time.Duration) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if !cb.cfg.Enabled {
		return
	}

	slow := cb.cfg.TrackSlowCalls && cb.cfg.SlowCallDurationThreshold > 0 && took >= cb.cfg.SlowCallDurationThreshold
	counted := cb.isCountedFailure(err) || slow

	if cb.state == HalfOpen {
		if counted {
			cb.transition(Open, "failure during half-open probe")
			return
		}
		cb.halfOpenOK++
		if cb.halfOpenOK >= cb.cfg.HalfOpenSuccessThreshold {
			cb.transition(Closed, "half-open success threshold reached")
		}
		return
	}

	if !counted {
		cb.window = append(cb.window, outcome{})
		return
	}

	cb.window = append(cb.window, outcome{failure: true, slow: slow})
	if cb.countFailures() >= cb.cfg.FailureThreshold {
		cb.transition(Open, "failure threshold reached")
	}
}

// isCountedFailure classifies err per spec §4.C: ignored exception types
// don't count; the predicate can override either direction; slow calls are
// counted separately by the caller regardless of this classification.
func (cb *CircuitBreaker) isCountedFailure(err error) bool {
	if err == nil {
		return false
	}
	if cb.cfg.ExceptionPredicate != nil {
		return cb.cfg.ExceptionPredicate(err)
	}
	if cb.cfg.IgnoredExceptionTypes != nil {
		if cb.cfg.IgnoredExceptionTypes[errorType(err)] {
			return false
		}
	}
	return true
}

func errorType(err error) string {
	type typed interface{ ErrorType() string }
	if t, ok := err.(typed); ok {
		return t.ErrorType()
	}
	return "error"
}

func (cb *CircuitBreaker) countFailures() int {
	n := 0
	for _, o := range cb.window {
		if o.failure {
			n++
		}
	}
	return n
}

func (cb *CircuitBreaker) transition(next State, reason string) {
	prev := cb.state
	cb.state = next
	switch next {
	case Open:
		cb.openedAt = time.Now()
	case HalfOpen:
		cb.halfOpenOK = 0
	case Closed:
		cb.window = cb.window[:0]
		cb.halfOpenOK = 0
	}
	if prev != next {
		cb.cfg.Sink.OnStateChanged(prev, next, reason)
	}
}
