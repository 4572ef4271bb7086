package identity

import (
	"errors"
	"fmt"
)

// OpError is a typed operation error with a stable Op + Kind contract for callers/tests.
// Kind MUST be one of the sentinel kinds. Msg may carry context but never token material.
type OpError struct {
	Op   string
	Kind error
	Msg  string
}

func (e OpError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %s", e.Op, e.Kind, e.Msg)
}

func (e OpError) Unwrap() error { return e.Kind }

func invalidToken(op, msg string) error {
	return OpError{Op: op, Kind: ErrInvalidToken, Msg: msg}
}

func unavailable(op string, err error) error {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return OpError{Op: op, Kind: ErrUnavailable, Msg: msg}
}

// IsInvalidToken reports whether err represents a rejected credential.
func IsInvalidToken(err error) bool { return errors.Is(err, ErrInvalidToken) }

// IsUnavailable reports whether err means the verifier could not reach a verdict.
func IsUnavailable(err error) bool { return errors.Is(err, ErrUnavailable) }

// IsInvalidInput reports whether err represents ErrInvalidInput.
func IsInvalidInput(err error) bool { return errors.Is(err, ErrInvalidInput) }
