// internal/stream/state.go
package stream

import "time"

// State is the lifecycle state of a Connection.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateOpen
	StateClosing
	StateClosed
	StateErrored
)

var stateNames = []string{"idle", "connecting", "open", "closing", "closed", "errored"}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// LifecycleEvent is delivered to lifecycle listeners on every transition that
// matters to dependents (open, close, retry scheduling, retry exhaustion).
type LifecycleEvent struct {
	State   State
	Err     error // transport error that caused the transition, if any
	Planned bool  // close initiated by the owner
	// RetryIn is set when a reconnect attempt has been scheduled.
	RetryIn time.Duration
	// Exhausted is set when the backoff policy refused any further attempt.
	Exhausted bool
	// Reopened is set on an open that follows an earlier successful open.
	Reopened bool
}
