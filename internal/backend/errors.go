package backend

import (
	"errors"
	"fmt"

	apierrors "k8s.io/apimachinery/pkg/api/errors"

	"github.com/modelserve-sh/controller/internal/model"
)

// ErrorKind classifies adapter failures for the reconciler.
type ErrorKind string

const (
	// KindInvalidSpec is a caller error; never retried.
	KindInvalidSpec ErrorKind = "invalid_spec"
	// KindUnavailable is a transient platform failure; retried with backoff.
	KindUnavailable ErrorKind = "backend_unavailable"
	// KindTeardownPending means delete was issued but child objects are
	// still terminating; retried until confirmed gone.
	KindTeardownPending ErrorKind = "teardown_pending"
)

// Error is the classified error type returned by adapters. Raw platform
// errors never cross the adapter boundary unwrapped.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps err with a classification.
func NewError(kind ErrorKind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// KindOf returns the classification of err, defaulting to KindUnavailable
// for unclassified errors so the reconciler treats the unknown as retryable.
func KindOf(err error) ErrorKind {
	var be *Error
	if errors.As(err, &be) {
		return be.Kind
	}
	if errors.Is(err, model.ErrInvalidSpec) {
		return KindInvalidSpec
	}
	return KindUnavailable
}

// IsRetryable reports whether the reconciler may retry the operation.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindInvalidSpec:
		return false
	default:
		return true
	}
}

// ClassifyAPIError maps a Kubernetes API error onto the adapter taxonomy.
func ClassifyAPIError(op string, err error) error {
	if err == nil {
		return nil
	}
	switch {
	case apierrors.IsInvalid(err), apierrors.IsBadRequest(err):
		return NewError(KindInvalidSpec, op, err)
	default:
		return NewError(KindUnavailable, op, err)
	}
}
