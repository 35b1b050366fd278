// Package apperr implements the error taxonomy from spec §7: a small set of
// stable Kinds that command and HTTP handlers map to response codes, plus
// the propagation policy (pure-compute failures recover locally, I/O
// failures with a defined fallback recover and log, everything else
// surfaces as Internal).
package apperr

import (
	"errors"
	"fmt"
)

// Kind is one of the error kinds defined in spec §7.
type Kind string

const (
	Validation  Kind = "validation"
	NotFound    Kind = "not_found"
	Unauthorized Kind = "unauthorized"
	Forbidden   Kind = "forbidden"
	Conflict    Kind = "conflict"
	RateLimited Kind = "rate_limited"
	Upstream    Kind = "upstream"
	Stale       Kind = "stale"
	Internal    Kind = "internal"
)

// Error wraps an underlying cause with a stable Kind and a short
// human-readable message, per spec §7's "stable code, short human-readable
// error" requirement.
type Error struct {
	Cause   error
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New creates an Error of the given kind with no wrapped cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap creates an Error of the given kind wrapping cause. If cause is nil,
// Wrap returns nil so call sites can write `return apperr.Wrap(k, err)`
// without a separate nil check.
func Wrap(kind Kind, cause error, message string) error {
	if cause == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Internal for errors that
// were never classified (spec §7: "everything else maps to Internal").
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if err == nil {
		return ""
	}
	return Internal
}

// HTTPStatus maps a Kind to the HTTP status code used by the command and
// HTTP surfaces (spec §6, §7).
func HTTPStatus(k Kind) int {
	switch k {
	case Validation:
		return 400
	case Unauthorized:
		return 401
	case Forbidden:
		return 403
	case NotFound:
		return 404
	case Conflict:
		return 409
	case RateLimited:
		return 429
	case Upstream, Internal:
		return 500
	default:
		return 500
	}
}

// Code returns the stable machine-readable code string for a Kind, used in
// the response envelope's `code` field (spec §6.2, §7).
func Code(k Kind) string {
	if k == "" {
		return "ok"
	}
	return string(k)
}
