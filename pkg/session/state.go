package session

// State is the observable session lifecycle state. It extends the
// transport lifecycle with the microphone-permission phase that precedes
// any network activity.
type State int32

const (
	StateIdle State = iota
	StateRequestingPermission
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
	case StateRequestingPermission:
		return "requesting_permission"
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

// Connected reports whether the session is in a live conversation state.
func (s State) Connected() bool {
	return s == StateListening || s == StateProcessing
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateEnded || s == StateFailed
}
