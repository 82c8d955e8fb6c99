// Package apperr defines the error taxonomy shared by every security-core
// component. Callers outside this module should compare against the
// sentinel Reason values with errors.Is, not against error strings.
package apperr

import (
	"errors"
	"fmt"
)

// Reason is a stable, machine-comparable classification of a failure.
// It never carries user-supplied data, so it is always safe to log.
type Reason string

const (
	ReasonUnauthenticated  Reason = "unauthenticated"
	ReasonForbidden        Reason = "forbidden"
	ReasonTokenInvalid     Reason = "token_invalid"
	ReasonTokenExpired     Reason = "token_expired"
	ReasonTokenAlreadyUsed Reason = "token_already_used"
	ReasonValidationFailed Reason = "validation_failed"
	ReasonConflict         Reason = "conflict"
	ReasonNotFound         Reason = "not_found"
	ReasonRateLimited      Reason = "rate_limited"
	ReasonCryptoFailure    Reason = "crypto_failure"
	ReasonDependencyFailed Reason = "dependency_failed"
)

// Error is the taxonomy's concrete type. Message is safe to surface to a
// caller; the wrapped Err (if any) is not, and is kept only for logging.
type Error struct {
	Reason  Reason
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Is allows errors.Is(err, apperr.New(ReasonX, "", nil)) style comparisons
// by matching on Reason alone, ignoring Message/Err.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Reason == t.Reason
}

func New(reason Reason, message string) *Error {
	return &Error{Reason: reason, Message: message}
}

func Wrap(reason Reason, message string, err error) *Error {
	return &Error{Reason: reason, Message: message, Err: err}
}

// Sentinel values for errors.Is comparisons against a bare reason.
var (
	Unauthenticated  = New(ReasonUnauthenticated, "authentication required")
	Forbidden        = New(ReasonForbidden, "access denied")
	TokenInvalid     = New(ReasonTokenInvalid, "token is invalid")
	TokenExpired     = New(ReasonTokenExpired, "token has expired")
	TokenAlreadyUsed = New(ReasonTokenAlreadyUsed, "token has already been used")
	ValidationFailed = New(ReasonValidationFailed, "validation failed")
	Conflict         = New(ReasonConflict, "conflicting state")
	NotFound         = New(ReasonNotFound, "not found")
	RateLimited      = New(ReasonRateLimited, "rate limit exceeded")
	CryptoFailure    = New(ReasonCryptoFailure, "cryptographic operation failed")
	DependencyFailed = New(ReasonDependencyFailed, "dependency unavailable")
)

// Of reports whether err classifies as reason, looking through wrapping.
func Of(err error, reason Reason) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason == reason
	}
	return false
}
