// Package errorutil provides error helpers shared by the pbx packages.
package errorutil

import (
	"errors"
	"fmt"
)

// Error is a string type that implements the error interface.
// It is used for comparable sentinel errors.
type Error string

func (s Error) Error() string { return string(s) }

// ErrInvalidArgument is returned when an invalid argument is provided.
const ErrInvalidArgument Error = "invalid argument"

// NewWrapperError creates or wraps an error with a sentinel error.
// It supports multiple argument patterns:
//   - no args: returns the sentinel
//   - error arg: wraps with the sentinel (unless already wrapped)
//   - string arg: formats as message with the sentinel
//   - string + args: formats with Sprintf then wraps with the sentinel
func NewWrapperError(sentinel error, args ...any) error {
	if len(args) == 0 {
		return sentinel //errtrace:skip
	}
	switch v := args[0].(type) {
	case error:
		if errors.Is(v, sentinel) {
			return v //errtrace:skip
		}
		return fmt.Errorf("%w: %w", sentinel, v) //errtrace:skip
	case string:
		if len(args) == 1 {
			return fmt.Errorf("%w: %s", sentinel, v) //errtrace:skip
		}
		return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(v, args[1:]...)) //errtrace:skip
	default:
		return sentinel //errtrace:skip
	}
}

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps the provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return NewWrapperError(ErrInvalidArgument, args...) //errtrace:skip
}
