package realtime

import (
	"errors"
	"fmt"
)

// Sentinel error kinds (stable for errors.Is and for wire/HTTP error codes).
var (
	// ErrInvalidMessage: empty or oversized content, malformed recipient. Reported to the sender only.
	ErrInvalidMessage = errors.New("invalid_message")

	// ErrUnknownRecipient is an ErrInvalidMessage for recipients the registry has never seen.
	ErrUnknownRecipient = fmt.Errorf("%w: unknown recipient", ErrInvalidMessage)

	// ErrInvalidRequest: malformed peer ids, cursors or limits on read paths.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrPersistence: the store failed; nothing was fanned out.
	ErrPersistence = errors.New("persistence_failed")
)

// OpError carries the failing operation, a sentinel Kind and the underlying cause.
type OpError struct {
	Op   string
	Kind error
	Msg  string
	Err  error
}

func (e OpError) Error() string {
	s := e.Op + ": " + e.Kind.Error()
	if e.Msg != "" {
		s += ": " + e.Msg
	}
	if e.Err != nil {
		s += ": " + e.Err.Error()
	}
	return s
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e OpError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func invalidMessage(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidMessage, Msg: msg}
}

func invalidRequest(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidRequest, Msg: msg}
}

func persistenceFailure(op string, err error) error {
	return OpError{Op: op, Kind: ErrPersistence, Err: err}
}

// ErrorCode maps an error to the stable code sent to clients.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnknownRecipient):
		return "unknown_recipient"
	case errors.Is(err, ErrInvalidMessage):
		return "invalid_message"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	default:
		return "internal"
	}
}
