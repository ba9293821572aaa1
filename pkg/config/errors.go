package config

import (
	"errors"
	"fmt"
)

var (
	// ErrMissingRequiredField indicates a required field is missing
	ErrMissingRequiredField = errors.New("missing required field")

	// ErrInvalidValue indicates a field has an invalid value
	ErrInvalidValue = errors.New("invalid field value")
)

// FieldError wraps configuration validation errors with field context.
type FieldError struct {
	Section string
	Field   string
	Err     error
}

// Error returns the formatted error message.
func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: field '%s': %v", e.Section, e.Field, e.Err)
}

// Unwrap returns the underlying error.
func (e *FieldError) Unwrap() error {
	return e.Err
}

// NewFieldError creates a new field validation error.
func NewFieldError(section, field string, err error) *FieldError {
	return &FieldError{Section: section, Field: field, Err: err}
}
