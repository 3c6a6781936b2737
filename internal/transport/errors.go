package transport

import (
	"errors"
	"fmt"
)

// Error is a failed transport operation with its status code.
type Error struct {
	Op     string
	Status Status
	Err    error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("transport %s: %s: %v", e.Op, e.Status, e.Err)
	}
	return fmt.Sprintf("transport %s: %s", e.Op, e.Status)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, status Status, err error) *Error {
	return &Error{Op: op, Status: status, Err: err}
}

// ErrRxEmpty is returned by Read when nothing arrived before the timeout.
var ErrRxEmpty = &Error{Op: "read", Status: StatusQRcvEmpty}

// StatusOf extracts the status code carried by err. nil maps to StatusOK and
// errors that are not transport errors map to StatusUnknown.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var te *Error
	if errors.As(err, &te) {
		return te.Status
	}
	return StatusUnknown
}

// IsTransient reports whether err carries a transient status.
func IsTransient(err error) bool {
	return err != nil && StatusOf(err).IsTransient()
}
