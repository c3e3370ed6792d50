// Package signin decides, exactly once, when an external-browser sign-in has
// completed. A Reconciler races three unreliable signals (the browser session
// result, operating-system deep links and a bounded session poll) and turns
// the first credible one into a single terminal Outcome.
package signin

import (
	"context"

	"github.com/router-for-me/signin-handoff/internal/callback"
	"github.com/router-for-me/signin-handoff/internal/session"
)

// Session is the authenticated session produced by a successful sign-in.
type Session = session.Session

// Payload is the parsed content of a callback URL.
type Payload = callback.Payload

// BrowserResultType is the way an external browser session ended.
type BrowserResultType string

const (
	// BrowserSuccess means the browser was redirected to the callback URL.
	BrowserSuccess BrowserResultType = "success"
	// BrowserCancel means the user explicitly abandoned the sign-in.
	BrowserCancel BrowserResultType = "cancel"
	// BrowserDismiss means the browser closed without a conclusive result.
	BrowserDismiss BrowserResultType = "dismiss"
)

// BrowserResult is what BrowserLauncher.Open resolves with.
type BrowserResult struct {
	Type BrowserResultType
	// URL is set for BrowserSuccess.
	URL string
}

// BrowserLauncher opens the provider authorization page in an external browser.
type BrowserLauncher interface {
	// Open shows url and blocks until the browser session ends or ctx is done.
	Open(ctx context.Context, url string) (BrowserResult, error)
	// Dismiss asks the browser session to close. It is best-effort.
	Dismiss(ctx context.Context) error
}

// DeepLinkSubscriber delivers links the operating system routes to the application.
type DeepLinkSubscriber interface {
	// Subscribe registers handler and returns a function removing it.
	Subscribe(handler func(url string)) (unsubscribe func())
}

// SessionProbe reports the session currently held by the backend SDK, if any.
type SessionProbe interface {
	// CurrentSession returns nil without error when no session exists.
	CurrentSession(ctx context.Context) (*Session, error)
}

// SessionCommitter establishes a session from a token pair read off a callback URL.
type SessionCommitter interface {
	Commit(ctx context.Context, accessToken, refreshToken string) (*Session, error)
}

// Dependencies bundles the collaborators a Reconciler drives.
type Dependencies struct {
	Browser   BrowserLauncher
	DeepLinks DeepLinkSubscriber
	Probe     SessionProbe
	Committer SessionCommitter
}
