// Package errs defines the structured error kinds surfaced by the core and
// their HTTP mappings. Scheduler jobs contain failures; request paths surface
// these kinds to the caller.
package errs

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/lib/pq"
)

// Kind classifies a core error.
type Kind int

const (
	KindNotFound Kind = iota
	KindConflict
	KindForeignKey
	KindValidation
	KindPermissionDenied
	KindUpstreamFailure
	KindTransientDB
	KindInternal
)

// Error is a classified core error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a classified error without a cause.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a classified error around a cause.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// NotFound reports a missing provider, asset, mapping or index.
func NotFound(format string, args ...interface{}) *Error {
	return New(KindNotFound, format, args...)
}

// Validation reports a rejected input.
func Validation(format string, args ...interface{}) *Error {
	return New(KindValidation, format, args...)
}

// Upstream reports a DataHub call that returned non-JSON or an unexpected
// status.
func Upstream(format string, args ...interface{}) *Error {
	return New(KindUpstreamFailure, format, args...)
}

// KindOf extracts the kind from an error chain, defaulting to internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps an error to its response status code.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound, KindForeignKey:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindPermissionDenied:
		return http.StatusForbidden
	case KindUpstreamFailure:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// Postgres error codes the core branches on.
const (
	PgUniqueViolation     = "23505"
	PgForeignKeyViolation = "23503"
)

// IsUniqueViolation reports whether the error is a Postgres unique violation,
// optionally on a specific constraint.
func IsUniqueViolation(err error, constraint string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) || string(pqErr.Code) != PgUniqueViolation {
		return false
	}
	return constraint == "" || pqErr.Constraint == constraint
}

// ConstraintName returns the violated constraint name, if the error carries
// one.
func ConstraintName(err error) string {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Constraint
	}
	return ""
}

// IsForeignKeyViolation reports whether the error is a Postgres FK violation.
func IsForeignKeyViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && string(pqErr.Code) == PgForeignKeyViolation
}
