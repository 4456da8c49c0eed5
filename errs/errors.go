// Package errs defines the closed error surface of the download engine.
// Every terminal failure carries exactly one Kind so callers can switch
// on outcome without string matching.
package errs

import (
	"errors"
	"fmt"
)

type Kind string

const (
	KindUnreachable         Kind = "unreachable"
	KindAuthRequired        Kind = "auth_required"
	KindNotFound            Kind = "not_found"
	KindForbidden           Kind = "forbidden"
	KindSourceChanged       Kind = "source_changed"
	KindRangeUnsupported    Kind = "range_unsupported"
	KindIoFull              Kind = "io_full"
	KindIoPermission        Kind = "io_permission"
	KindStagingInconsistent Kind = "staging_inconsistent"
	KindIntegrityMismatch   Kind = "integrity_mismatch"
	KindAlreadyExists       Kind = "already_exists"
	KindBusy                Kind = "busy"
	KindCancelled           Kind = "cancelled"
	KindTimeout             Kind = "timeout"
	KindTlsFailure          Kind = "tls_failure"
	KindUnsupported         Kind = "unsupported"
	KindInternalInvariant   Kind = "internal_invariant"
)

// Error is the one error type surfaced across component boundaries.
type Error struct {
	Kind   Kind
	Detail string
	Err    error
}

func New(kind Kind, detail string) *Error {
	return &Error{Kind: kind, Detail: detail}
}

func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func Wrap(kind Kind, detail string, err error) *Error {
	return &Error{Kind: kind, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf extracts the Kind from an error chain. Errors that never
// passed through this package report KindInternalInvariant.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternalInvariant
}

// IsKind reports whether the error chain carries the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
