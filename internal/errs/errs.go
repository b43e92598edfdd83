package errs

import (
	"errors"
	"fmt"
	"net"
)

// ValidationError marks malformed input. Fatal for the current message,
// never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}

// AuthError marks a credential problem. When NeedsReauth is set the
// credential is terminally unusable (revoked or undecryptable) and a human
// has to re-authorize; otherwise one forced refresh plus one retry of the
// original call is allowed.
type AuthError struct {
	Reason      string
	NeedsReauth bool
}

func (e *AuthError) Error() string {
	if e.NeedsReauth {
		return "auth: " + e.Reason + " (needs reauthorization)"
	}
	return "auth: " + e.Reason
}

// TransientError wraps a network failure or upstream 5xx. Eligible for
// exactly one retry, possibly against a fallback target.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient: %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// PermissionError is a destination-side 403. Surfaced to the operator,
// not retried.
type PermissionError struct {
	Op     string
	Detail string
}

func (e *PermissionError) Error() string {
	return fmt.Sprintf("permission denied: %s: %s", e.Op, e.Detail)
}

// NotFoundError covers both missing store rows and destination-side 404s.
type NotFoundError struct {
	Resource string
}

func (e *NotFoundError) Error() string {
	return "not found: " + e.Resource
}

// IsTransient reports whether err qualifies for the single-retry path.
// Raw network errors count even when no component wrapped them.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *TransientError
	if errors.As(err, &te) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne)
}

// NeedsReauth reports whether err is a terminal credential failure.
func NeedsReauth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae) && ae.NeedsReauth
}

// IsAuth reports whether err is any credential failure.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
