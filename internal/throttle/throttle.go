// Package throttle implements the per-caller breaker: a counting window per
// caller that suspends the caller for a fixed duration once a hard limit is
// exceeded. Suspensions expire lazily on the next check.
package throttle

import (
	"context"
	"errors"
	"time"
)

// ReasonRateExceeded is recorded on a suspension triggered by the request limit.
const ReasonRateExceeded = "RATE_LIMIT_EXCEEDED"

// ErrInvalidPolicy rejects limits, windows or suspensions that are not positive.
var ErrInvalidPolicy = errors.New("throttle policy values must be positive")

// Policy configures the breaker.
type Policy struct {
	Limit      int
	Window     time.Duration
	Suspension time.Duration
}

func (p Policy) validate() error {
	if p.Limit <= 0 || p.Window <= 0 || p.Suspension <= 0 {
		return ErrInvalidPolicy
	}
	return nil
}

// State is the ephemeral per-caller counter. Losing it resets the caller.
type State struct {
	WindowStartedAt  time.Time
	RequestCount     int
	SuspendedUntil   time.Time
	SuspensionReason string
}

// Suspended reports whether the caller is blocked at now.
func (s State) Suspended(now time.Time) bool {
	return now.Before(s.SuspendedUntil)
}

// Decision is the outcome of a single check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
	Reason     string
	State      State
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. Blocked decisions
// always report at least one second.
func (d Decision) RetryAfterSeconds() int {
	if d.Allowed {
		return 0
	}
	secs := int((d.RetryAfter + time.Second - 1) / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

// Store records a hit for key and returns the resulting decision atomically.
type Store interface {
	Hit(ctx context.Context, key string, now time.Time, policy Policy) (Decision, error)
}

// advance applies one request to state. While suspended the request is
// blocked without being counted; an expired suspension starts a fresh window.
func advance(state State, now time.Time, p Policy) (State, Decision) {
	if state.Suspended(now) {
		return state, Decision{
			Allowed:    false,
			RetryAfter: state.SuspendedUntil.Sub(now),
			Reason:     state.SuspensionReason,
			State:      state,
		}
	}
	if !state.SuspendedUntil.IsZero() {
		state = State{}
	}
	if state.WindowStartedAt.IsZero() || now.Sub(state.WindowStartedAt) >= p.Window {
		state.WindowStartedAt = now
		state.RequestCount = 0
	}

	state.RequestCount++
	if state.RequestCount > p.Limit {
		state.SuspendedUntil = now.Add(p.Suspension)
		state.SuspensionReason = ReasonRateExceeded
		return state, Decision{
			Allowed:    false,
			RetryAfter: p.Suspension,
			Reason:     ReasonRateExceeded,
			State:      state,
		}
	}
	return state, Decision{Allowed: true, State: state}
}
