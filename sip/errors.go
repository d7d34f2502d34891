package sip

import "github.com/voipkit/pbx/internal/errorutil"

// Error represents a SIP transaction layer error.
// See [errorutil.Error].
type Error = errorutil.Error

// Common errors.
const ErrInvalidArgument = errorutil.ErrInvalidArgument

// Transaction errors.
const (
	// ErrTransactionNotFound is returned when no transaction matches the
	// branch of an inbound message or an explicit transaction id.
	ErrTransactionNotFound Error = "transaction not found"
	// ErrInvalidTransition is returned when an operation is not legal in the
	// transaction's current state, including any attempt to transition out
	// of the terminated state.
	ErrInvalidTransition Error = "invalid state transition"
	// ErrActionNotAllowed is returned when an operation does not apply to the
	// transaction's type, e.g. responding on a client transaction.
	ErrActionNotAllowed Error = "action not allowed"
	// ErrTransactionLayerClosed is returned by operations on a closed layer.
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// NewWrapperError creates or wraps an error with a sentinel error.
// See [errorutil.NewWrapperError].
func NewWrapperError(sentinel error, args ...any) error {
	return errorutil.NewWrapperError(sentinel, args...) //errtrace:skip
}

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps the provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidTransitionError creates a new error with [ErrInvalidTransition].
func NewInvalidTransitionError(args ...any) error {
	return errorutil.NewWrapperError(ErrInvalidTransition, args...) //errtrace:skip
}
