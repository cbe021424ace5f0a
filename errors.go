package sagaflow

import (
	"errors"
	"fmt"
)

// Sentinel errors for errors.Is() support
var (
	ErrSagaNotFound    = errors.New("saga not found")
	ErrMissingProperty = errors.New("missing correlation property")
	ErrAlreadyStarted  = errors.New("timeout monitor already started")
)

// ArgumentError reports invalid call-site input, such as an empty saga id
// or a missing message. It is always returned synchronously and never
// swallowed.
type ArgumentError struct {
	Name   string
	Reason string
}

// NewArgumentError creates a new ArgumentError.
func NewArgumentError(name, reason string) *ArgumentError {
	return &ArgumentError{Name: name, Reason: reason}
}

func (e *ArgumentError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Name, e.Reason)
}

// IsArgumentError reports whether err is an ArgumentError.
func IsArgumentError(err error) bool {
	var argErr *ArgumentError
	return errors.As(err, &argErr)
}
