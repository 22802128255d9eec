package service

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// ValidationError is a malformed request. It never reaches the record store.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func validationErrorf(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ConflictError rejects work that would overlap work already in flight.
type ConflictError struct {
	Message string
}

func (e *ConflictError) Error() string { return e.Message }

// NotFoundError is an unknown task, backup or job id.
type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

// ExecutionError is a failure inside a running job or task. Workers record
// it on the job or execution; it is never returned to an HTTP caller.
type ExecutionError struct {
	Step string
	Err  error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

func stepError(step string, err error) error {
	return &ExecutionError{Step: step, Err: err}
}

// AuthError is a rejected credential.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string { return "authentication failed: " + e.Reason }

// notFoundOr maps gorm's missing row onto NotFoundError.
func notFoundOr(err error, kind, id string) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &NotFoundError{Kind: kind, ID: id}
	}
	return err
}
