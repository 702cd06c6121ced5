package service

import (
	"errors"
	"fmt"
)

// Client-facing messages. These never vary with the failure reason.
const (
	MsgInvalidInput    = "Invalid input detected. Please check your request."
	MsgUnauthenticated = "Could not validate credentials."
	MsgAccessDenied    = "You are not authorized to access the requested data."
	MsgInternal        = "An error occurred processing your question. Please try again later."

	// SafeResponse replaces any answer whose question or text tripped the harm detector.
	SafeResponse = "I'm unable to provide a complete response at this time. Please rephrase your question or contact support for assistance."
)

var (
	ErrMissingCredential = errors.New("missing bearer credential")
	ErrUnknownSubject    = errors.New("token has no subject")
)

// InputSecurityError rejects malformed or hostile input. Reason is internal only.
type InputSecurityError struct {
	Field  string
	Reason string
}

func (e *InputSecurityError) Error() string {
	return fmt.Sprintf("input rejected: %s: %s", e.Field, e.Reason)
}

// AuthenticationError covers missing, invalid and expired credentials.
type AuthenticationError struct {
	Err error
}

func (e *AuthenticationError) Error() string { return "authentication failed: " + e.Err.Error() }
func (e *AuthenticationError) Unwrap() error { return e.Err }

// AccessDeniedError is returned by the authorizer. Reason goes to the audit
// trail, never to the caller.
type AccessDeniedError struct {
	Reason string
}

func (e *AccessDeniedError) Error() string { return "access denied: " + e.Reason }

// UpstreamError wraps a data source or model failure.
type UpstreamError struct {
	Stage string
	Err   error
}

func (e *UpstreamError) Error() string { return e.Stage + ": " + e.Err.Error() }
func (e *UpstreamError) Unwrap() error { return e.Err }

// IsClientError reports whether err is one of the 4xx categories.
func IsClientError(err error) bool {
	var in *InputSecurityError
	var auth *AuthenticationError
	var denied *AccessDeniedError
	return errors.As(err, &in) || errors.As(err, &auth) || errors.As(err, &denied)
}
