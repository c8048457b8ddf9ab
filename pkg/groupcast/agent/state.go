package agent

import "time"

// State is the lifecycle state of an agent.
type State string

const (
	StateUnauthenticated State = "unauthenticated"
	StateAwaitingScan    State = "awaiting_scan"
	StateAuthenticated   State = "authenticated"
	StateReady           State = "ready"
	StateDisconnected    State = "disconnected"
	StateFailed          State = "failed"
)

// EventKind identifies a client lifecycle signal.
type EventKind string

const (
	EventChallenge     EventKind = "challenge"
	EventAuthenticated EventKind = "authenticated"
	EventReady         EventKind = "ready"
	EventReadyFallback EventKind = "ready_fallback"
	EventDisconnected  EventKind = "disconnected"
	EventAuthFailed    EventKind = "auth_failed"
	EventInitFailed    EventKind = "init_failed"

	// EventGroupActivity does not change state; it reports a message seen in
	// a group chat.
	EventGroupActivity EventKind = "group_activity"
)

// Event is emitted by a Client.
type Event struct {
	Kind EventKind

	// Challenge carries the QR payload of EventChallenge.
	Challenge string

	// Reason describes failures and disconnects.
	Reason string

	// GroupID is set on EventGroupActivity.
	GroupID string
}

// transitions lists every legal (from, event) pair. Anything else is ignored.
var transitions = map[State]map[EventKind]State{
	StateUnauthenticated: {
		EventChallenge:     StateAwaitingScan,
		EventAuthenticated: StateAuthenticated,
		EventDisconnected:  StateDisconnected,
		EventAuthFailed:    StateFailed,
		EventInitFailed:    StateFailed,
	},
	StateAwaitingScan: {
		EventChallenge:     StateAwaitingScan,
		EventAuthenticated: StateAuthenticated,
		EventDisconnected:  StateDisconnected,
		EventAuthFailed:    StateFailed,
		EventInitFailed:    StateFailed,
	},
	StateAuthenticated: {
		EventReady:         StateReady,
		EventReadyFallback: StateReady,
		EventDisconnected:  StateDisconnected,
		EventAuthFailed:    StateFailed,
		EventInitFailed:    StateFailed,
	},
	StateReady: {
		EventDisconnected: StateDisconnected,
		EventAuthFailed:   StateFailed,
	},
	StateDisconnected: {
		EventChallenge:     StateAwaitingScan,
		EventAuthenticated: StateAuthenticated,
		EventReady:         StateReady,
		EventAuthFailed:    StateFailed,
		EventInitFailed:    StateFailed,
	},
	StateFailed: {},
}

// next returns the state reached from s on kind.
func next(s State, kind EventKind) (State, bool) {
	to, ok := transitions[s][kind]
	return to, ok
}

// Status is the externally visible snapshot of an agent.
type Status struct {
	Connected bool      `json:"connected"`
	Challenge string    `json:"challenge,omitempty"`
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Status values reported to callers.
const (
	StatusInitializing  = "initializing"
	StatusQR            = "qr"
	StatusAuthenticated = "authenticated"
	StatusReady         = "ready"
	StatusDisconnected  = "disconnected"
	StatusAuthFailed    = "auth_failed"
	StatusError         = "error"
)

func statusFor(s State, failedBy EventKind) string {
	switch s {
	case StateAwaitingScan:
		return StatusQR
	case StateAuthenticated:
		return StatusAuthenticated
	case StateReady:
		return StatusReady
	case StateDisconnected:
		return StatusDisconnected
	case StateFailed:
		if failedBy == EventAuthFailed {
			return StatusAuthFailed
		}
		return StatusError
	default:
		return StatusInitializing
	}
}
