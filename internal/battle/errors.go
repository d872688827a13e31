package battle

import (
	"errors"
	"fmt"
)

// Kind classifies a battle error for transport mapping.
type Kind string

const (
	KindValidation        Kind = "validation"
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindConflict          Kind = "conflict"
	KindResourceExhausted Kind = "resource_exhausted"
	KindInternal          Kind = "internal"
)

// Error carries a taxonomy kind, a user-safe message, and the internal cause.
type Error struct {
	kind    Kind
	message string
	err     error
}

func (e *Error) Error() string {
	if e.err == nil {
		return fmt.Sprintf("%s: %s", e.kind, e.message)
	}
	return fmt.Sprintf("%s: %s: %v", e.kind, e.message, e.err)
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind exposes the taxonomy classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message exposes the user-safe description.
func (e *Error) Message() string {
	return e.message
}

func validationError(message string, cause error) error {
	return &Error{kind: KindValidation, message: message, err: cause}
}

func notFoundError(message string, cause error) error {
	return &Error{kind: KindNotFound, message: message, err: cause}
}

func forbiddenError(message string) error {
	return &Error{kind: KindForbidden, message: message}
}

func conflictError(message string) error {
	return &Error{kind: KindConflict, message: message}
}

func exhaustedError(message string) error {
	return &Error{kind: KindResourceExhausted, message: message}
}

func internalError(message string, cause error) error {
	return &Error{kind: KindInternal, message: message, err: cause}
}

// KindOf classifies any error, defaulting to KindInternal for unexpected failures.
func KindOf(err error) Kind {
	var battleErr *Error
	if errors.As(err, &battleErr) {
		return battleErr.Kind()
	}
	return KindInternal
}

// MessageOf returns the user-safe message, or a generic one for unexpected failures.
func MessageOf(err error) string {
	var battleErr *Error
	if errors.As(err, &battleErr) {
		return battleErr.Message()
	}
	return "internal error"
}
