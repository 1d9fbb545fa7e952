// Package transfer implements the per-session lifecycle and the
// session record a transmission policy drives.
package transfer

import (
	"fmt"
	"sync"

	"peercrypt/internal/perr"
)

// State is one node of the session lifecycle.
type State int

const (
	Idle State = iota
	Connecting
	Transfer
	Validating
	Completed
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case Connecting:
		return "CONNECTING"
	case Transfer:
		return "TRANSFER"
	case Validating:
		return "VALIDATING"
	case Completed:
		return "COMPLETED"
	case Error:
		return "ERROR"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Event names one transition trigger in the lifecycle table.
type Event int

const (
	EventInitiateSend Event = iota
	EventAckOfInit
	EventConnectTimeout
	EventRST
	EventLastChunkAcked
	EventErrorFrame
	EventUnrecoverableTimeout
	EventValidationSuccess
	EventValidationFailure
	EventRetry
	EventNewTransfer
)

func (e Event) String() string {
	names := [...]string{
		"initiate_send", "ack_of_init", "connect_timeout", "rst",
		"last_chunk_acked", "error_frame", "unrecoverable_timeout",
		"validation_success", "validation_failure", "retry", "new_transfer",
	}
	if int(e) < len(names) {
		return names[e]
	}
	return fmt.Sprintf("Event(%d)", int(e))
}

// transitions encodes the full state-transition table.
var transitions = map[State]map[Event]State{
	Idle: {
		EventInitiateSend: Connecting,
	},
	Connecting: {
		EventAckOfInit:      Transfer,
		EventConnectTimeout: Error,
		EventRST:            Error,
	},
	Transfer: {
		EventLastChunkAcked:       Validating,
		EventErrorFrame:           Error,
		EventUnrecoverableTimeout: Error,
	},
	Validating: {
		EventValidationSuccess: Completed,
		EventValidationFailure: Error,
	},
	Error: {
		EventRetry: Connecting,
	},
	Completed: {
		EventNewTransfer: Connecting,
	},
}

// StateMachine is a thread-safe holder of the current State with
// table-validated transitions.
type StateMachine struct {
	mu      sync.Mutex
	current State
	onEnter func(State)
}

// NewStateMachine starts in IDLE.
func NewStateMachine(onEnter func(State)) *StateMachine {
	return &StateMachine{current: Idle, onEnter: onEnter}
}

// Current returns the present state.
func (m *StateMachine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Fire applies event, returning perr.ErrInvalidTransition (wrapped with the
// offending state/event) if the table has no edge for it.
func (m *StateMachine) Fire(event Event) error {
	m.mu.Lock()
	next, ok := transitions[m.current][event]
	if !ok {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("transfer: no transition for event %s from state %s: %w", event, from, perr.ErrInvalidTransition)
	}
	m.current = next
	cb := m.onEnter
	m.mu.Unlock()
	if cb != nil {
		cb(next)
	}
	return nil
}

// IsTerminal reports whether the state is one of the operator-visible
// terminal states: both remain leavable by a new initiation.
func (s State) IsTerminal() bool {
	return s == Completed || s == Error
}
