package core

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks errors caused by caller input.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks missing entities, including entities owned by someone else.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a concurrent writer won. Callers retry.
	ErrConflict = errors.New("conflict")
)

// ValidationError reports the offending field. It matches both ErrValidation
// and the underlying cause with errors.Is.
type ValidationError struct {
	Field string
	Err   error
}

// NewValidationError wraps err as a failure of field.
func NewValidationError(field string, err error) *ValidationError {
	return &ValidationError{Field: field, Err: err}
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ValidationError) Unwrap() []error {
	return []error{ErrValidation, e.Err}
}

type NotFoundError struct {
	Kind string
	ID   string
}

// NewNotFoundError reports a missing entity of the given kind.
func NewNotFoundError(kind, id string) *NotFoundError {
	return &NotFoundError{Kind: kind, ID: id}
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

func (e *NotFoundError) Unwrap() error {
	return ErrNotFound
}
