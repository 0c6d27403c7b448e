// Package memcore defines the error taxonomy shared by the stores, the
// dispatcher, and both transports. Every failure crossing a package boundary
// carries a Kind so callers can map it to a wire code without string
// matching.
package memcore

import (
	"errors"
	"fmt"
	"time"
)

// Kind classifies an error.
type Kind string

const (
	KindInvalidInput Kind = "invalid-input"
	KindNotFound     Kind = "not-found"
	KindConflict     Kind = "conflict"
	KindIO           Kind = "io-error"
	KindParse        Kind = "parse-error"
	KindTimeout      Kind = "timeout"
	KindToolNotFound Kind = "tool-not-found"
	KindUnauthorized Kind = "unauthorized"
	KindInternal     Kind = "internal"
)

// Error is the taxonomy-carrying error type. Field names the offending
// input field when the kind is invalid-input or conflict.
type Error struct {
	Kind    Kind
	Field   string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Field != "" {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Field, msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Invalid reports a rejected input field.
func Invalid(field, message string) error {
	return &Error{Kind: KindInvalidInput, Field: field, Message: message}
}

// NotFound reports a missing entity, e.g. NotFound("memory", id).
func NotFound(entity, id string) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf("%s %q not found", entity, id)}
}

// Conflict reports a state conflict such as a hierarchy violation.
func Conflict(field, message string) error {
	return &Error{Kind: KindConflict, Field: field, Message: message}
}

// IO wraps a filesystem failure with the operation that hit it.
func IO(op string, err error) error {
	return &Error{Kind: KindIO, Message: op, Err: err}
}

// Parse wraps a malformed file or frame.
func Parse(subject string, err error) error {
	return &Error{Kind: KindParse, Message: subject, Err: err}
}

// Timeout reports an operation exceeding its soft deadline.
func Timeout(op string, after time.Duration) error {
	return &Error{Kind: KindTimeout, Message: fmt.Sprintf("%s exceeded %s", op, after)}
}

// ToolNotFound reports a dispatch against an unknown or inactive tool.
func ToolNotFound(name string) error {
	return &Error{Kind: KindToolNotFound, Message: fmt.Sprintf("unknown tool %q", name)}
}

// Internal wraps an unexpected failure.
func Internal(op string, err error) error {
	return &Error{Kind: KindInternal, Message: op, Err: err}
}

// KindOf extracts the kind of err, or KindInternal for foreign errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// FieldOf extracts the offending field name, if any.
func FieldOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Field
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
