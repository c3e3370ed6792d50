package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenClaims are the identity hints carried by a backend access token.
type TokenClaims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
}

type accessTokenClaims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// ParseTokenClaims reads claims from a JWT access token without verifying
// its signature. The backend remains the authority on token validity.
func ParseTokenClaims(token string) (TokenClaims, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return TokenClaims{}, fmt.Errorf("session: empty access token")
	}
	var claims accessTokenClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return TokenClaims{}, fmt.Errorf("session: parse access token: %w", err)
	}
	out := TokenClaims{Subject: claims.Subject, Email: claims.Email}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}
