// Package apperr defines the error taxonomy shared across services.
//
// Errors are classified by kind so the HTTP layer can map them to status
// codes without string matching. Wrap with fmt.Errorf("...: %w", err) as
// usual; Kind unwraps through the chain.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for boundary handling.
type Kind int

const (
	// KindUnknown is any error without an explicit classification.
	KindUnknown Kind = iota
	// KindValidation is bad input, rejected synchronously at submission.
	KindValidation
	// KindNotFound is a missing entity.
	KindNotFound
	// KindConflict is an operation invalid in the entity's current state.
	KindConflict
	// KindExecution is a task-level failure (non-zero exit, timeout, kill).
	KindExecution
)

// Error carries a kind and a human-readable message.
type Error struct {
	kind Kind
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return e.msg + ": " + e.err.Error()
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

// KindOf returns the classification of err, unwrapping as needed.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.kind
	}
	return KindUnknown
}

// Validation creates a validation error.
func Validation(format string, args ...any) error {
	return &Error{kind: KindValidation, msg: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{kind: KindNotFound, msg: fmt.Sprintf(format, args...)}
}

// Conflict creates a conflict error.
func Conflict(format string, args ...any) error {
	return &Error{kind: KindConflict, msg: fmt.Sprintf(format, args...)}
}

// Execution creates an execution error.
func Execution(format string, args ...any) error {
	return &Error{kind: KindExecution, msg: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error, preserving the chain.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{kind: kind, msg: msg, err: err}
}
