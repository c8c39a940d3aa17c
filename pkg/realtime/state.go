package realtime

import "sync/atomic"

// State is the transport lifecycle state.
type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateAwaitingReady
	StateConfiguring
	StateListening
	StateProcessing
	StateEnded
	StateFailed
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateAwaitingReady:
		return "awaiting_ready"
	case StateConfiguring:
		return "configuring"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateEnded:
		return "ended"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Connected reports whether the transport is in a steady conversation
// state (listening or processing).
func (s State) Connected() bool {
	return s == StateListening || s == StateProcessing
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}

// stateVar is an atomically updated State with a change callback.
type stateVar struct {
	v        atomic.Int32
	onChange func(State)
}

func (sv *stateVar) load() State {
	return State(sv.v.Load())
}

// transition moves from any non-terminal state to s. It refuses to leave
// a terminal state, so Ended never overwrites Failed and vice versa.
func (sv *stateVar) transition(s State) bool {
	for {
		old := sv.v.Load()
		if State(old).Terminal() {
			return false
		}
		if sv.v.CompareAndSwap(old, int32(s)) {
			if State(old) != s && sv.onChange != nil {
				sv.onChange(s)
			}
			return true
		}
	}
}
