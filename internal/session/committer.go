package session

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/router-for-me/signin-handoff/internal/logging"
	"github.com/router-for-me/signin-handoff/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	userPath    = "/auth/v1/user"
	refreshPath = "/auth/v1/token"

	maxBackendBody = 1 << 20
)

// CommitterOptions configures a BackendCommitter.
type CommitterOptions struct {
	// BackendURL is the managed backend base URL, e.g. https://xyz.supabase.co.
	BackendURL string
	// AnonKey is sent as the apikey header on every request.
	AnonKey string
	// Provider is recorded on committed sessions.
	Provider string
	// ProxyURL routes backend traffic through a socks5/http proxy.
	ProxyURL string
	// Timeout bounds a single HTTP request. Defaults to 15s.
	Timeout time.Duration
	// RetryMax is the number of retries for transient failures. Defaults to 3.
	RetryMax int
	// RetryWaitMin and RetryWaitMax bound the retry backoff.
	RetryWaitMin time.Duration
	RetryWaitMax time.Duration
	// Now defaults to time.Now.
	Now func() time.Time
}

// BackendCommitter validates callback tokens against the managed backend and
// persists the resulting session.
type BackendCommitter struct {
	opts   CommitterOptions
	store  Store
	client *retryablehttp.Client
}

// NewBackendCommitter creates a committer writing to store.
func NewBackendCommitter(store Store, opts CommitterOptions) (*BackendCommitter, error) {
	if store == nil {
		return nil, fmt.Errorf("backend committer: store is required")
	}
	opts.BackendURL = strings.TrimRight(strings.TrimSpace(opts.BackendURL), "/")
	if opts.BackendURL == "" {
		return nil, fmt.Errorf("backend committer: backend URL is required")
	}
	if _, err := url.ParseRequestURI(opts.BackendURL); err != nil {
		return nil, fmt.Errorf("backend committer: invalid backend URL: %w", err)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 15 * time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 3
	}
	if opts.RetryWaitMin <= 0 {
		opts.RetryWaitMin = 500 * time.Millisecond
	}
	if opts.RetryWaitMax < opts.RetryWaitMin {
		opts.RetryWaitMax = 5 * time.Second
		if opts.RetryWaitMax < opts.RetryWaitMin {
			opts.RetryWaitMax = opts.RetryWaitMin
		}
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	client := retryablehttp.NewClient()
	client.RetryMax = opts.RetryMax
	client.RetryWaitMin = opts.RetryWaitMin
	client.RetryWaitMax = opts.RetryWaitMax
	client.Logger = logrusLeveledLogger{}
	client.HTTPClient = util.SetProxy(opts.ProxyURL, client.HTTPClient)
	client.HTTPClient.Timeout = opts.Timeout

	return &BackendCommitter{opts: opts, store: store, client: client}, nil
}

// Commit looks up the user owning accessToken and stores the session.
func (c *BackendCommitter) Commit(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	accessToken = strings.TrimSpace(accessToken)
	refreshToken = strings.TrimSpace(refreshToken)
	if accessToken == "" || refreshToken == "" {
		return nil, fmt.Errorf("backend committer: access and refresh tokens are required")
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, c.opts.BackendURL+userPath, nil)
	if err != nil {
		return nil, fmt.Errorf("backend committer: build user request: %w", err)
	}
	c.decorate(req, accessToken)
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("backend committer: user lookup: %w", err)
	}

	userID := gjson.GetBytes(body, "id").String()
	if userID == "" {
		return nil, fmt.Errorf("backend committer: user lookup returned no id")
	}
	current := &Session{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		TokenType:    "bearer",
		UserID:       userID,
		Email:        gjson.GetBytes(body, "email").String(),
		Provider:     c.provider(gjson.ParseBytes(body)),
		CreatedAt:    c.opts.Now().UTC(),
	}
	if claims, errClaims := ParseTokenClaims(accessToken); errClaims == nil {
		current.ExpiresAt = claims.ExpiresAt
		if current.Email == "" {
			current.Email = claims.Email
		}
	} else {
		log.Debugf("access token claims unavailable: %v", errClaims)
	}

	if err = c.store.Save(ctx, current); err != nil {
		return nil, fmt.Errorf("backend committer: persist session: %w", err)
	}
	log.WithField("provider", current.Provider).Infof("session committed for %s", current.Label())
	return current, nil
}

// Refresh exchanges refreshToken for a new session and stores it.
func (c *BackendCommitter) Refresh(ctx context.Context, refreshToken string) (*Session, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return nil, fmt.Errorf("backend committer: refresh token is required")
	}
	payload, err := sjson.SetBytes([]byte(`{}`), "refresh_token", refreshToken)
	if err != nil {
		return nil, fmt.Errorf("backend committer: build refresh body: %w", err)
	}
	endpoint := c.opts.BackendURL + refreshPath + "?grant_type=refresh_token"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("backend committer: build refresh request: %w", err)
	}
	c.decorate(req, "")
	req.Header.Set("Content-Type", "application/json")
	body, err := c.do(req)
	if err != nil {
		return nil, fmt.Errorf("backend committer: refresh: %w", err)
	}

	parsed := gjson.ParseBytes(body)
	accessToken := parsed.Get("access_token").String()
	if accessToken == "" {
		return nil, fmt.Errorf("backend committer: refresh returned no access token")
	}
	now := c.opts.Now().UTC()
	current := &Session{
		AccessToken:  accessToken,
		RefreshToken: parsed.Get("refresh_token").String(),
		TokenType:    parsed.Get("token_type").String(),
		UserID:       parsed.Get("user.id").String(),
		Email:        parsed.Get("user.email").String(),
		Provider:     c.provider(parsed.Get("user")),
		CreatedAt:    now,
	}
	if current.RefreshToken == "" {
		current.RefreshToken = refreshToken
	}
	switch {
	case parsed.Get("expires_at").Exists():
		current.ExpiresAt = time.Unix(parsed.Get("expires_at").Int(), 0).UTC()
	case parsed.Get("expires_in").Exists():
		current.ExpiresAt = now.Add(time.Duration(parsed.Get("expires_in").Int()) * time.Second)
	}

	if err = c.store.Save(ctx, current); err != nil {
		return nil, fmt.Errorf("backend committer: persist refreshed session: %w", err)
	}
	return current, nil
}

func (c *BackendCommitter) decorate(req *retryablehttp.Request, accessToken string) {
	req.Header.Set("apikey", c.opts.AnonKey)
	req.Header.Set("Accept", "application/json")
	if accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+accessToken)
	} else if c.opts.AnonKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.AnonKey)
	}
}

func (c *BackendCommitter) do(req *retryablehttp.Request) ([]byte, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("backend response body close error: %v", errClose)
		}
	}()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBackendBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		msg := gjson.GetBytes(body, "msg").String()
		if msg == "" {
			msg = gjson.GetBytes(body, "error_description").String()
		}
		if msg == "" {
			msg = strings.TrimSpace(string(body))
		}
		return nil, fmt.Errorf("status %d: %s", resp.StatusCode, msg)
	}
	return body, nil
}

// provider prefers the configured provider name, then the backend's record
// of how the user signed in.
func (c *BackendCommitter) provider(user gjson.Result) string {
	if c.opts.Provider != "" {
		return c.opts.Provider
	}
	return user.Get("app_metadata.provider").String()
}

type logrusLeveledLogger struct{}

func (logrusLeveledLogger) Error(msg string, keysAndValues ...interface{}) {
	log.WithFields(kvFields(keysAndValues)).Error(msg)
}

func (logrusLeveledLogger) Info(msg string, keysAndValues ...interface{}) {
	log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (logrusLeveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	log.WithFields(kvFields(keysAndValues)).Debug(msg)
}

func (logrusLeveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	log.WithFields(kvFields(keysAndValues)).Warn(msg)
}

func kvFields(keysAndValues []interface{}) log.Fields {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key := fmt.Sprint(keysAndValues[i])
		value := keysAndValues[i+1]
		if key == "url" {
			value = logging.MaskURL(fmt.Sprint(value))
		}
		fields[key] = value
	}
	return fields
}
