// Package apperr classifies engine failures so callers can decide whether
// to resubmit, surface, or retry.
package apperr

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrNotFound marks an unknown entity.
	ErrNotFound = errors.New("not found")
	// ErrConflict marks a request that collides with current state; the
	// caller must resubmit with new input.
	ErrConflict = errors.New("conflict")
	// ErrForbidden marks an actor acting on something it does not own.
	ErrForbidden = errors.New("forbidden")
	// ErrExternal marks a payment authority (or other collaborator) failure.
	// Local state is left unchanged so the operation can be retried.
	ErrExternal = errors.New("external service error")
)

var (
	ErrInvalidState = fmt.Errorf("%w: invalid state transition", ErrConflict)
	ErrUnavailable  = fmt.Errorf("%w: asset not available for the requested window", ErrConflict)
)

func Validation(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func NotFound(entity, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, entity, id)
}

func Conflict(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConflict, fmt.Sprintf(format, args...))
}

func Forbidden(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// External wraps a collaborator error, keeping both the classification and
// the original cause reachable through errors.Is / errors.As.
func External(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrExternal, op, err)
}
