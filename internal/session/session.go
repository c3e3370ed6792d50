// Package session holds the signed-in session model and the stores that
// persist it between runs. Stores are consulted by the sign-in reconciler as
// its session probe and written by the backend committer.
package session

import (
	"context"
	"errors"
	"strings"
	"time"
)

// ErrNoSession is returned by Store.Load when nothing has been persisted.
var ErrNoSession = errors.New("session: no session stored")

// Session is an authenticated session issued by the managed backend.
type Session struct {
	// AccessToken is the bearer token presented to the backend.
	AccessToken string `json:"access_token"`
	// RefreshToken renews the access token once it expires.
	RefreshToken string `json:"refresh_token"`
	// TokenType is usually "bearer".
	TokenType string `json:"token_type,omitempty"`
	// ExpiresAt is the access token expiry; zero when unknown.
	ExpiresAt time.Time `json:"expires_at,omitempty"`
	// UserID is the backend user identifier.
	UserID string `json:"user_id,omitempty"`
	// Email is the account email reported by the backend.
	Email string `json:"email,omitempty"`
	// Provider names the identity provider used to sign in.
	Provider string `json:"provider,omitempty"`
	// CreatedAt records when the session was committed locally.
	CreatedAt time.Time `json:"created_at"`
}

// Valid reports whether the session carries an access token that has not expired at now.
func (s *Session) Valid(now time.Time) bool {
	if s == nil || strings.TrimSpace(s.AccessToken) == "" {
		return false
	}
	if s.ExpiresAt.IsZero() {
		return true
	}
	return now.Before(s.ExpiresAt)
}

// Label returns a short human readable identity for logs and CLI output.
func (s *Session) Label() string {
	if s == nil {
		return ""
	}
	switch {
	case s.Email != "":
		return s.Email
	case s.UserID != "":
		return s.UserID
	default:
		return "unknown user"
	}
}

// Store abstracts persistence of the current session.
type Store interface {
	// Load returns the stored session or ErrNoSession.
	Load(ctx context.Context) (*Session, error)
	// Save replaces the stored session.
	Save(ctx context.Context, s *Session) error
	// Clear removes the stored session. Clearing an empty store is not an error.
	Clear(ctx context.Context) error
}

// MaskToken shortens a token for display, keeping the first and last four characters.
func MaskToken(token string) string {
	token = strings.TrimSpace(token)
	if len(token) <= 8 {
		return strings.Repeat("*", len(token))
	}
	return token[:4] + "..." + token[len(token)-4:]
}
