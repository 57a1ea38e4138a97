// Package errors defines the typed error taxonomy returned by the engine.
// Every operation surfaces one of these kinds so the HTTP layer can map
// failures to status codes without inspecting error strings.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindValidation marks malformed input rejected before any transaction opens.
	KindValidation Kind = iota + 1
	// KindConflict marks idempotency-key reuse with a different body or a lost
	// concurrent race that must not be retried automatically.
	KindConflict
	// KindNotFound marks operations that target a missing session, actor or campaign.
	KindNotFound
	// KindInsufficientFunds marks a strict spend that would drive a balance negative.
	KindInsufficientFunds
	// KindStorage marks failures of the backing transactional store; safe to
	// retry with the same idempotency key.
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindConflict:
		return "conflict"
	case KindNotFound:
		return "not_found"
	case KindInsufficientFunds:
		return "insufficient_funds"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error is the concrete error type carried across service boundaries.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Err }

// Is lets errors.Is match on kind via the exported sentinel helpers.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind && (other.Message == "" || other.Message == e.Message)
	}
	return false
}

// HTTPStatus maps the error kind to an HTTP status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindNotFound:
		return http.StatusNotFound
	case KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindStorage:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Conflictf builds a conflict error.
func Conflictf(format string, args ...any) *Error {
	return &Error{Kind: KindConflict, Message: fmt.Sprintf(format, args...)}
}

// NotFoundf builds a not-found error.
func NotFoundf(format string, args ...any) *Error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// InsufficientFundsf builds an insufficient-funds error.
func InsufficientFundsf(format string, args ...any) *Error {
	return &Error{Kind: KindInsufficientFunds, Message: fmt.Sprintf(format, args...)}
}

// Storage wraps an underlying store failure.
func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Message: op, Err: err}
}

// IsKind reports whether err (or anything it wraps) is an engine error of the
// given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// KindOf extracts the kind of err, or zero when err is not an engine error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
