package core

import "errors"

// ErrDropped marks an event that was discarded without notifying the sender,
// e.g. a location update without usable coordinates.
var ErrDropped = errors.New("event dropped")

// ValidationError is returned when an event is rejected because of invalid
// input. Its message is safe to send back to the client.
type ValidationError struct {
	msg string
}

func NewValidationError(msg string) *ValidationError {
	return &ValidationError{msg: msg}
}

func (e *ValidationError) Error() string {
	return e.msg
}
