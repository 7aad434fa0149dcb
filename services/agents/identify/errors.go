package identify

import (
	"errors"
	"fmt"

	"nodeident/pkg/lineproto"
)

var (
	// ErrConnect reports that no connection to the server could be established.
	ErrConnect = errors.New("identify: connect failed")
	// ErrDesync reports a line from the server other than the one required.
	ErrDesync = errors.New("identify: protocol desynchronized")
	// ErrTransport reports a failed read or write on an open connection.
	ErrTransport = errors.New("identify: transport failure")
	// ErrInvalidInventory reports an inventory rejected before dialling.
	ErrInvalidInventory = errors.New("identify: invalid inventory")
)

// MismatchError carries the expected and received lines of a desync.
type MismatchError = lineproto.MismatchError

// State is a position in the conversation.
type State int

const (
	StateStart State = iota
	StateConnected
	StateHandshaking
	StateModeNegotiated
	StateSendingScalars
	StateSendingCPUs
	StateSendingNICs
	StateClosing
	StateDone
	StateFailed
)

var stateNames = [...]string{
	StateStart:          "START",
	StateConnected:      "CONNECTED",
	StateHandshaking:    "HANDSHAKING",
	StateModeNegotiated: "MODE_NEGOTIATED",
	StateSendingScalars: "SENDING_SCALARS",
	StateSendingCPUs:    "SENDING_CPUS",
	StateSendingNICs:    "SENDING_NICS",
	StateClosing:        "CLOSING",
	StateDone:           "DONE",
	StateFailed:         "FAILED",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// ConversationError is returned by Run when the conversation aborts. State
// and Step locate the failure; Err wraps one of the package sentinels.
type ConversationError struct {
	State State
	Step  string
	Err   error
}

func (e *ConversationError) Error() string {
	return fmt.Sprintf("identify: %s failed in %s: %v", e.Step, e.State, e.Err)
}

func (e *ConversationError) Unwrap() error {
	return e.Err
}
