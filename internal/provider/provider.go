// Package provider builds the authorization URLs a sign-in attempt opens in
// the browser. Providers either go through the managed backend, which brokers
// the identity provider and redirects back with a token pair, or address the
// identity provider directly over OAuth2.
package provider

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/router-for-me/signin-handoff/internal/config"
)

// Provider produces the authorization URL for one identity provider.
type Provider interface {
	Name() string
	AuthorizationURL() (string, error)
}

// BackendProvider signs in through the managed backend's authorize endpoint.
type BackendProvider struct {
	name        string
	backendURL  string
	redirectURL string
	scopes      []string
}

// NewBackendProvider creates a provider for name brokered by backendURL.
func NewBackendProvider(name, backendURL, redirectURL string, scopes []string) *BackendProvider {
	return &BackendProvider{
		name:        strings.ToLower(strings.TrimSpace(name)),
		backendURL:  strings.TrimRight(strings.TrimSpace(backendURL), "/"),
		redirectURL: strings.TrimSpace(redirectURL),
		scopes:      scopes,
	}
}

// Name returns the provider identifier.
func (p *BackendProvider) Name() string { return p.name }

// AuthorizationURL returns {backend}/auth/v1/authorize?provider=..&redirect_to=..
func (p *BackendProvider) AuthorizationURL() (string, error) {
	if p.name == "" {
		return "", fmt.Errorf("provider: name is required")
	}
	base, err := url.Parse(p.backendURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return "", fmt.Errorf("provider: invalid backend URL %q", p.backendURL)
	}
	base.Path = strings.TrimRight(base.Path, "/") + "/auth/v1/authorize"

	params := url.Values{}
	params.Set("provider", p.name)
	if p.redirectURL != "" {
		params.Set("redirect_to", p.redirectURL)
	}
	if len(p.scopes) > 0 {
		params.Set("scopes", strings.Join(p.scopes, " "))
	}
	base.RawQuery = params.Encode()
	return base.String(), nil
}

// FromConfig builds the provider named name as configured in cfg.
func FromConfig(cfg *config.Config, name string) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("provider: config is nil")
	}
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return nil, fmt.Errorf("provider: name is required")
	}
	settings := cfg.Provider(name)
	switch settings.Mode {
	case config.ProviderModeOAuth2:
		return NewOAuth2Provider(name, settings, cfg.RedirectURL)
	case config.ProviderModeBackend, "":
		return NewBackendProvider(name, cfg.Backend.URL, cfg.RedirectURL, settings.Scopes), nil
	default:
		return nil, fmt.Errorf("provider: unknown mode %q for %s", settings.Mode, name)
	}
}
