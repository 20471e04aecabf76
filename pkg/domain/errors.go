package domain

import (
	"errors"
	"fmt"
	"strings"
)

// Common domain errors
var (
	// ErrMalformedInput is returned when a request or message cannot be decoded
	ErrMalformedInput = errors.New("malformed input")
	// ErrValidation is returned when input fails a business rule
	ErrValidation = errors.New("validation error")
	// ErrNotFound is returned when a requested resource is not found
	ErrNotFound = errors.New("resource not found")
	// ErrAlreadyExists is returned when trying to create a resource that already exists
	ErrAlreadyExists = errors.New("resource already exists")
	// ErrUnauthorized is returned when a user is not authorized to perform an action
	ErrUnauthorized = errors.New("unauthorized")
	// ErrConflict is returned when a concurrent unit of work invalidated this one.
	// The operation can be retried.
	ErrConflict = errors.New("concurrent modification")
	// ErrBalanceOverflow is returned when checked arithmetic overflows or underflows.
	// It is always reported as an internal error.
	ErrBalanceOverflow = errors.New("balance overflow")
	// ErrInternal covers everything else, including downstream collaborator failures
	ErrInternal = errors.New("internal error")
)

// FieldError describes a single rejected field.
type FieldError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

// ValidationError is a business rule rejection with field-level detail.
// errors.Is(err, ErrValidation) holds for every ValidationError, and
// errors.Is(err, Cause) holds when a specific sentinel is attached.
type ValidationError struct {
	Cause  error
	Fields []FieldError
}

// NewValidationError builds a ValidationError for a specific sentinel.
func NewValidationError(cause error, fields ...FieldError) *ValidationError {
	return &ValidationError{Cause: cause, Fields: fields}
}

func (e *ValidationError) Error() string {
	var b strings.Builder
	if e.Cause != nil {
		b.WriteString(e.Cause.Error())
	} else {
		b.WriteString(ErrValidation.Error())
	}
	for i, f := range e.Fields {
		if i == 0 {
			b.WriteString(": ")
		} else {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s %s", f.Field, f.Message)
	}
	return b.String()
}

// Unwrap exposes both ErrValidation and the specific cause.
func (e *ValidationError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrValidation}
	}
	return []error{ErrValidation, e.Cause}
}

// Internal wraps err so that callers see ErrInternal while logs keep the detail.
func Internal(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w: %w", op, ErrInternal, err)
}
