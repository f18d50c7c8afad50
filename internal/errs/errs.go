// Package errs defines the typed error-kind taxonomy shared across the
// Transaction Security Core (spec §7). Every domain-facing package returns
// errors that unwrap to *Error so callers can branch on Kind without string
// matching.
package errs

import (
	"errors"
	"fmt"
)

// Kind enumerates the error shapes the Core can produce.
type Kind string

const (
	// IllegalTransition: request was in a state not permitting the requested move.
	IllegalTransition Kind = "illegal_transition"
	// NotFound: unknown request / wallet / case / permit.
	NotFound Kind = "not_found"
	// Conflict: idempotency key reuse with mismatched payload, SoD violation, double voting.
	Conflict Kind = "conflict"
	// PermitInvalid: permit used, revoked, expired, tx-hash mismatch, or HMAC failure.
	PermitInvalid Kind = "permit_invalid"
	// TransientRemote: chain RPC, screener, or signer-node unreachable or timed out.
	TransientRemote Kind = "transient_remote"
	// PermanentRemote: on-chain revert or unrecoverable signer-node protocol error.
	PermanentRemote Kind = "permanent_remote"
	// ProtocolViolation: malformed share / impossible signer response.
	ProtocolViolation Kind = "protocol_violation"
	// ConfigurationError: no active policy, no default group, missing signing key.
	ConfigurationError Kind = "configuration_error"
)

// Error is the single error shape used across the Core.
type Error struct {
	Kind    Kind
	Code    string
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New constructs an *Error with a stable code and free-form message.
func New(kind Kind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// Wrap attaches a cause to a new *Error of the given kind.
func Wrap(kind Kind, code, message string, cause error) *Error {
	return &Error{Kind: kind, Code: code, Message: message, cause: cause}
}

// Is reports whether err (or something it wraps) has the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf extracts the Kind from err, returning "" if err does not unwrap to *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// CodeOf extracts the stable Code from err, returning "" if err does not
// unwrap to *Error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
