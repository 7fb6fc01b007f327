package apiclient

import (
	"errors"
	"fmt"
)

// ErrorKind is the closed taxonomy of failures surfaced to callers. Every
// escalated failure carries exactly one kind; raw transport errors never
// escape the request pipeline.
type ErrorKind string

const (
	// KindNetworkUnavailable means the request never reached the server.
	KindNetworkUnavailable ErrorKind = "network_unavailable"

	// KindInvalidCredentials means a login was rejected.
	KindInvalidCredentials ErrorKind = "invalid_credentials"

	// KindAuthenticationExpired means the session could not be recovered:
	// the refresh exchange failed, or a request was rejected again after one
	// refresh-and-retry. The credential store is cleared and an AuthEvent is
	// published before this kind is returned.
	KindAuthenticationExpired ErrorKind = "authentication_expired"

	// KindServerRejected is any other non-2xx response, with the
	// server-supplied message when one was given.
	KindServerRejected ErrorKind = "server_rejected"

	// KindMalformedResponse means a 2xx body could not be unwrapped or parsed.
	KindMalformedResponse ErrorKind = "malformed_response"

	// KindSigningMisconfigured means signed mode was selected but no API key
	// is configured.
	KindSigningMisconfigured ErrorKind = "signing_misconfigured"
)

// Error is a normalized client failure.
type Error struct {
	Kind    ErrorKind
	Message string

	// StatusCode is the HTTP status that produced the error, or zero when no
	// response was received.
	StatusCode int

	cause error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("apiclient: %s (HTTP %d): %s", e.Kind, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("apiclient: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

func newError(kind ErrorKind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func wrapError(kind ErrorKind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, cause: cause}
}

// KindOf returns the kind of a normalized error, or "" for any other error.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err is a normalized error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}
