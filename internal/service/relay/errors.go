package relay

import "errors"

// ErrValidation matches every ValidationError.
var ErrValidation = errors.New("invalid submission")

// ValidationError rejects a submission before any external call. Message is
// safe to show to the user.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func invalid(field, msg string) error {
	return &ValidationError{Field: field, Message: msg}
}
