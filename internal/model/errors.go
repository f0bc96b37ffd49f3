package model

import (
	"errors"
	"fmt"
)

// ValidationError reports malformed input: a bad kind, a wrong embedding
// dimension, an unsupported attribute type. Never retried.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// NotFoundError reports an unknown card, fragment, record or campaign id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Kind, e.ID)
}

// CorruptStateError reports persisted state that cannot be restored faithfully.
type CorruptStateError struct {
	Campaign string
	Reason   string
	Err      error
}

func (e *CorruptStateError) Error() string {
	msg := fmt.Sprintf("corrupt state for campaign %s: %s", e.Campaign, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsValidation reports whether err wraps a *ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsNotFound reports whether err wraps a *NotFoundError.
func IsNotFound(err error) bool {
	var v *NotFoundError
	return errors.As(err, &v)
}

// IsCorrupt reports whether err wraps a *CorruptStateError.
func IsCorrupt(err error) bool {
	var v *CorruptStateError
	return errors.As(err, &v)
}
