package signin

import (
	"errors"
	"fmt"

	"github.com/router-for-me/signin-handoff/internal/callback"
)

// ErrorKind classifies why an attempt did not sign in. The kinds are for
// diagnostics; callers only branch on the Outcome kind.
type ErrorKind string

const (
	// KindProviderError means the identity provider rejected or aborted the sign-in.
	KindProviderError ErrorKind = "provider_error"
	// KindTransportError means the browser or deep-link plumbing failed.
	KindTransportError ErrorKind = "transport_error"
	// KindTimeout means no conclusive signal arrived within the polling budget.
	KindTimeout ErrorKind = "timeout"
	// KindSessionCommit means valid-looking credentials were rejected by the backend.
	KindSessionCommit ErrorKind = "session_commit"
)

// Error is the failure carried by a Failed or TimedOut outcome.
type Error struct {
	// Kind is the failure class.
	Kind ErrorKind `json:"kind"`
	// Message is a human-readable description used as the outcome reason.
	Message string `json:"message"`
	// Code is the provider error code when Kind is KindProviderError.
	Code string `json:"code,omitempty"`
	// Cause is the underlying error, if any.
	Cause error `json:"-"`
}

// Error returns a string representation of the failure.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (caused by: %v)", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the cause to errors.Is and errors.As.
func (e *Error) Unwrap() error { return e.Cause }

// Is matches copies made by NewError against their base error.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t == nil {
		return false
	}
	return e.Kind == t.Kind && e.Message == t.Message && (t.Code == "" || e.Code == t.Code)
}

// Common failures.
var (
	// ErrNoCredentials is returned when a callback carried no tokens and no session exists.
	ErrNoCredentials = &Error{
		Kind:    KindTransportError,
		Message: "no credentials in callback",
	}

	// ErrBrowserLaunch is returned when the browser session could not be opened.
	ErrBrowserLaunch = &Error{
		Kind:    KindTransportError,
		Message: "failed to open browser session",
	}

	// ErrSessionProbe is returned when the one-shot session probe fails.
	ErrSessionProbe = &Error{
		Kind:    KindTransportError,
		Message: "failed to check current session",
	}

	// ErrPollTimeout is attached to TimedOut outcomes.
	ErrPollTimeout = &Error{
		Kind:    KindTimeout,
		Message: "timed out waiting for sign-in to complete",
	}

	// ErrCommitFailed is returned when the backend rejects the token pair.
	ErrCommitFailed = &Error{
		Kind:    KindSessionCommit,
		Message: "failed to establish session",
	}
)

// NewError copies base and attaches cause.
func NewError(base *Error, cause error) *Error {
	return &Error{
		Kind:    base.Kind,
		Message: base.Message,
		Code:    base.Code,
		Cause:   cause,
	}
}

// NewProviderError builds the failure for an explicit provider rejection.
// The message is the description when present, else the code.
func NewProviderError(code, description string) *Error {
	message := callback.ProviderError{Code: code, Description: description}.Reason()
	return &Error{
		Kind:    KindProviderError,
		Message: message,
		Code:    code,
	}
}

// IsKind reports whether err is an *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var signinErr *Error
	if !errors.As(err, &signinErr) {
		return false
	}
	return signinErr.Kind == kind
}

// recoveredError turns a recovered panic value from a collaborator into an error.
func recoveredError(recovered any) error {
	if err, ok := recovered.(error); ok {
		return fmt.Errorf("collaborator panic: %w", err)
	}
	return fmt.Errorf("collaborator panic: %v", recovered)
}
