package peer

import (
	"errors"
	"fmt"
)

var (
	ErrPermissionDenied        = errors.New("media permission denied")
	ErrDeviceUnavailable       = errors.New("media device unavailable")
	ErrInvalidState            = errors.New("invalid peer state")
	ErrIncompatibleDescription = errors.New("incompatible session description")
)

// Error records the peer operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(op string, err error) *Error {
	return &Error{Op: op, Err: err}
}

// wrapError tags a transport error with one of the sentinels above.
func wrapError(op string, sentinel, err error) *Error {
	return &Error{Op: op, Err: fmt.Errorf("%w: %v", sentinel, err)}
}
