package provider

import (
	"fmt"
	"strings"

	"github.com/router-for-me/signin-handoff/internal/config"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/github"
	"golang.org/x/oauth2/google"
)

var defaultScopes = map[string][]string{
	"google": {"openid", "email", "profile"},
	"github": {"read:user", "user:email"},
}

// OAuth2Provider addresses the identity provider's consent page directly.
// The redirect target is a backend bridge that owns the client secret,
// redeems the authorization code and forwards the browser to the callback
// path with the backend's token pair. The CLI never sees the code exchange.
type OAuth2Provider struct {
	name string
	conf *oauth2.Config
}

// NewOAuth2Provider creates a provider for google or github.
func NewOAuth2Provider(name string, settings config.ProviderConfig, redirectURL string) (*OAuth2Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	var endpoint oauth2.Endpoint
	switch name {
	case "google":
		endpoint = google.Endpoint
	case "github":
		endpoint = github.Endpoint
	default:
		return nil, fmt.Errorf("provider: oauth2 mode does not support %q", name)
	}
	if strings.TrimSpace(settings.ClientID) == "" {
		return nil, fmt.Errorf("provider: %s client-id is required", name)
	}
	if strings.TrimSpace(redirectURL) == "" {
		return nil, fmt.Errorf("provider: %s redirect-url is required in oauth2 mode", name)
	}
	scopes := settings.Scopes
	if len(scopes) == 0 {
		scopes = defaultScopes[name]
	}
	return &OAuth2Provider{
		name: name,
		conf: &oauth2.Config{
			ClientID:    settings.ClientID,
			RedirectURL: redirectURL,
			Scopes:      scopes,
			Endpoint:    endpoint,
		},
	}, nil
}

// Name returns the provider identifier.
func (p *OAuth2Provider) Name() string { return p.name }

// Scopes returns the scopes requested on the consent page.
func (p *OAuth2Provider) Scopes() []string { return p.conf.Scopes }

// AuthorizationURL returns the provider's consent URL. State and PKCE belong
// to the bridge that redeems the code, so neither is added here.
func (p *OAuth2Provider) AuthorizationURL() (string, error) {
	return p.conf.AuthCodeURL("", oauth2.AccessTypeOffline), nil
}
