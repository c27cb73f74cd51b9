package thesimple

import (
	"errors"
	"fmt"
)

// ErrNoToken is returned when an authenticated request is attempted
// without a token. No network call is made in that case.
var ErrNoToken = errors.New("no token, authentication required")

// ValidationError reports a caller-supplied value outside the allowed
// domain. It is raised before any I/O happens.
type ValidationError struct {
	Field string
	Value string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %q", e.Field, e.Value)
}

// ProtocolError reports a server response that violates the expected
// shape: an unparsable public key, a missing challenge header, or missing
// JSON fields. Protocol errors are never retried.
type ProtocolError struct {
	Reason string
	Cause  error
}

func (e *ProtocolError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Reason, e.Cause)
	}
	return e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Cause }

// AuthError reports a failed authentication exchange, a 401 from the
// server, or a missing token. Receiving one means the session has been
// cleared and the caller should re-run the full handshake.
type AuthError struct {
	Status int
	Body   string
	Cause  error
}

func (e *AuthError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("authentication error: %v", e.Cause)
	}
	return fmt.Sprintf("authentication error (code: %d) (response: %s)", e.Status, e.Body)
}

func (e *AuthError) Unwrap() error { return e.Cause }

// APIError reports a non-success HTTP response outside the auth band.
// Status and raw body are preserved for diagnostics.
type APIError struct {
	Status int
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("invalid HTTP response (code: %d) (response: %s)", e.Status, e.Body)
}
