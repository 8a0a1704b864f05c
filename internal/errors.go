package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Kind classifies pipeline failures.
type Kind string

const (
	KindTransient    Kind = "transient"
	KindSchema       Kind = "schema"
	KindValidation   Kind = "validation"
	KindStorage      Kind = "storage"
	KindCancellation Kind = "cancellation"
	KindUpstream     Kind = "upstream"
)

// Error wraps a failure with its kind and retryability.
type Error struct {
	Kind      Kind
	Op        string
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.Op)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind Kind, op string, err error) *Error {
	return &Error{
		Kind:      kind,
		Op:        op,
		Retryable: kind == KindTransient,
		Err:       err,
	}
}

// StorageError wraps a storage backend failure. Transient looking failures
// are marked retryable.
func StorageError(op string, err error) *Error {
	return &Error{
		Kind:      KindStorage,
		Op:        op,
		Retryable: looksTransient(err),
		Err:       err,
	}
}

// KindOf returns the kind of err. Unclassified errors are reported as
// transient when they look transient and upstream otherwise.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancellation
	}
	if looksTransient(err) {
		return KindTransient
	}
	return KindUpstream
}

// IsRetryable reports whether err should be retried.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		switch e.Kind {
		case KindCancellation, KindSchema, KindValidation, KindUpstream:
			return false
		}
		return e.Retryable
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return looksTransient(err)
}

type statusCoder interface {
	StatusCode() int
}

var transientMarkers = []string{
	"timeout",
	"timed out",
	"connection reset",
	"connection refused",
	"broken pipe",
	"too many requests",
	"rate limit",
	"service unavailable",
	"gateway timeout",
	"temporarily unavailable",
	"status 429",
	"status 503",
	"status 504",
}

// IsTransientStatus reports whether an HTTP status code signals a transient failure.
func IsTransientStatus(code int) bool {
	return code == 429 || code == 503 || code == 504
}

func looksTransient(err error) bool {
	if err == nil {
		return false
	}
	var sc statusCoder
	if errors.As(err, &sc) {
		return IsTransientStatus(sc.StatusCode())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	lowered := strings.ToLower(err.Error())
	for _, m := range transientMarkers {
		if strings.Contains(lowered, m) {
			return true
		}
	}
	return false
}
