// Package apierr implements the error taxonomy used across the fleet-sync
// and verification pipeline: a fixed set of kinds, each with a stable HTTP
// status mapping, so every handler reports failures the same way.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Kind string

const (
	Validation       Kind = "validation"
	Authentication   Kind = "authentication"
	Authorization    Kind = "authorization"
	NotFound         Kind = "not_found"
	Conflict         Kind = "conflict"
	StorageTransient Kind = "storage_transient"
	StoragePermanent Kind = "storage_permanent"
	ModelFailure     Kind = "model_failure"
	DeadlineExceeded Kind = "deadline_exceeded"
	Internal         Kind = "internal"
)

// Error wraps a Kind with a message safe to return to a caller. Conflict
// errors never enumerate what conflicted; callers should pass a generic
// message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// As extracts an *Error from err, if any.
func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// HTTPStatus maps a Kind to the status code §7 of the specification
// assigns it.
func HTTPStatus(kind Kind) int {
	switch kind {
	case Validation:
		return http.StatusBadRequest
	case Authentication:
		return http.StatusUnauthorized
	case Authorization:
		return http.StatusForbidden
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case StorageTransient:
		return http.StatusServiceUnavailable
	case StoragePermanent:
		return http.StatusInternalServerError
	case ModelFailure:
		return http.StatusInternalServerError
	case DeadlineExceeded:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// Retryable reports whether §7 classifies this kind as retryable by the
// caller (the StorageTransient backoff lives in internal/resilience; this
// only answers the classification question).
func Retryable(kind Kind) bool {
	return kind == StorageTransient
}
