package session

// State represents the connection lifecycle state.
type State int

const (
	// StateIdle is the initial state before activation.
	StateIdle State = iota
	// StateInitializing is entered on activation, before the bridge connect
	// call is issued.
	StateInitializing
	// StateConnecting means the bridge connect call has been issued.
	StateConnecting
	// StateReady means the bridge reported readiness and the lease is held.
	StateReady
	// StateError means a fatal bridge error or timeout occurred.
	StateError
	// StateReconnecting means a retry of the bridge connect call is in
	// flight, without re-renting the lease.
	StateReconnecting
	// StateClosed is terminal.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInitializing:
		return "INITIALIZING"
	case StateConnecting:
		return "CONNECTING"
	case StateReady:
		return "READY"
	case StateError:
		return "ERROR"
	case StateReconnecting:
		return "RECONNECTING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
