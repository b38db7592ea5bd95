package sideeffect

import (
	"context"
	"errors"

	"github.com/jnst/txevents/internal/model"
)

// Classifier reports whether err is transient and worth retrying.
type Classifier func(err error) bool

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not retriable for the default classifier.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// DefaultClassifier treats every error as transient except errors marked
// Permanent, cancellation, and malformed events.
func DefaultClassifier(err error) bool {
	switch {
	case err == nil:
		return false
	case IsPermanent(err):
		return false
	case errors.Is(err, context.Canceled):
		return false
	case errors.Is(err, model.ErrEmptyKind), errors.Is(err, model.ErrInvalidPayload):
		return false
	default:
		return true
	}
}
