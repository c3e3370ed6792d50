package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

// isolateUserDirs points the home and user config directories at a temp dir
// and returns the resulting DefaultDataDir.
func isolateUserDirs(t *testing.T) (home, dataDir string) {
	t.Helper()
	home = t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("USERPROFILE", home)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(home, ".config"))
	t.Setenv("AppData", filepath.Join(home, "AppData"))
	return home, DefaultDataDir()
}

func TestLoadConfigAppliesDefaults(t *testing.T) {
	home, dataDir := isolateUserDirs(t)
	path := writeConfig(t, `
backend:
  url: https://project.example.co/
  anon-key: anon
providers:
  Google: {}
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	dir := filepath.Dir(path)
	assert.Equal(t, "https://project.example.co", cfg.Backend.URL)
	assert.Equal(t, DefaultCallbackPath, cfg.CallbackPath)
	assert.Equal(t, DefaultCallbackPort, cfg.Browser.CallbackPort)
	assert.Equal(t, DefaultSessionTimeout, cfg.Browser.SessionTimeout)
	assert.Equal(t, "http://127.0.0.1:54545/auth/callback", cfg.RedirectURL)
	assert.Equal(t, time.Second, cfg.Polling.Interval)
	assert.Equal(t, 30, cfg.Polling.MaxAttempts)
	assert.Equal(t, time.Second, cfg.NoPayloadProbeDelay)
	assert.True(t, strings.HasPrefix(dataDir, home), dataDir)
	assert.Equal(t, filepath.Join(dataDir, "links"), cfg.DeepLink.SpoolDir)
	assert.Equal(t, StoreTypeFile, cfg.SessionStore.Type)
	assert.Equal(t, filepath.Join(dataDir, "session.json"), cfg.SessionStore.File)
	assert.Equal(t, filepath.Join(dir, "logs"), cfg.LogDir)
	assert.Equal(t, ProviderModeBackend, cfg.Provider("google").Mode)
	assert.Equal(t, ProviderModeBackend, cfg.Provider("github").Mode)
}

func TestLoadConfigReadsExplicitValues(t *testing.T) {
	path := writeConfig(t, `
backend:
  url: https://project.example.co
  anon-key: anon
redirect-url: myapp://auth/callback
callback-path: /login/done/
browser:
  no-browser: true
  callback-port: 8765
  session-timeout: 90s
  copy-url: true
polling:
  interval: 500ms
  max-attempts: 10
no-payload-probe-delay: -1s
deep-link:
  spool-dir: /tmp/links
  relay-url: ws://127.0.0.1:8081/links
session-store:
  type: Postgres
  postgres:
    dsn: postgres://user@localhost/db
providers:
  github:
    mode: oauth2
    client-id: abc
    scopes: [read:user, user:email]
debug: true
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "myapp://auth/callback", cfg.RedirectURL)
	assert.Equal(t, "login/done", cfg.CallbackPath)
	assert.True(t, cfg.Browser.NoBrowser)
	assert.True(t, cfg.Browser.CopyURL)
	assert.Equal(t, 8765, cfg.Browser.CallbackPort)
	assert.Equal(t, 90*time.Second, cfg.Browser.SessionTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.Polling.Interval)
	assert.Equal(t, 10, cfg.Polling.MaxAttempts)
	assert.Equal(t, -time.Second, cfg.NoPayloadProbeDelay)
	assert.Equal(t, "ws://127.0.0.1:8081/links", cfg.DeepLink.RelayURL)
	assert.Equal(t, StoreTypePostgres, cfg.SessionStore.Type)
	assert.Equal(t, "handoff_sessions", cfg.SessionStore.Postgres.Table)
	assert.Equal(t, []string{"read:user", "user:email"}, cfg.Provider("GitHub").Scopes)
	assert.Equal(t, ProviderModeOAuth2, cfg.Provider("github").Mode)
	assert.True(t, cfg.Debug)
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{name: "missing backend", body: "debug: true\n", want: "backend.url"},
		{name: "relative backend", body: "backend: {url: project, anon-key: k}\n", want: "not an absolute URL"},
		{name: "missing anon key", body: "backend: {url: 'https://x.example'}\n", want: "anon-key"},
		{name: "postgres without dsn", body: "backend: {url: 'https://x.example', anon-key: k}\nsession-store: {type: postgres}\n", want: "dsn"},
		{name: "object without bucket", body: "backend: {url: 'https://x.example', anon-key: k}\nsession-store: {type: object, object: {endpoint: 'minio:9000'}}\n", want: "bucket"},
		{name: "unknown store", body: "backend: {url: 'https://x.example', anon-key: k}\nsession-store: {type: redis}\n", want: "unknown session-store"},
		{name: "oauth2 without client", body: "backend: {url: 'https://x.example', anon-key: k}\nproviders: {google: {mode: oauth2}}\n", want: "client-id"},
		{name: "bad mode", body: "backend: {url: 'https://x.example', anon-key: k}\nproviders: {google: {mode: saml}}\n", want: "not supported"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfigOptionalMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent.yaml")

	_, err := LoadConfig(path)
	require.Error(t, err)

	cfg, err := LoadConfigOptional(path, true)
	require.NoError(t, err)
	assert.Equal(t, StoreTypeFile, cfg.SessionStore.Type)
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigRejectsBadYAML(t *testing.T) {
	_, err := LoadConfig(writeConfig(t, "backend: [unterminated"))
	assert.ErrorContains(t, err, "failed to parse config file")
}

func TestDataPathsIgnoreWorkingDirectory(t *testing.T) {
	_, dataDir := isolateUserDirs(t)
	lookup := mapLookup(map[string]string{
		"HANDOFF_BACKEND_URL": "https://project.example.co",
		"HANDOFF_ANON_KEY":    "anon",
	})

	fromRelative, err := LoadConfigWithEnv("config.yaml", true, lookup)
	require.NoError(t, err)
	fromElsewhere, err := LoadConfigWithEnv(filepath.Join(t.TempDir(), "config.yaml"), true, lookup)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(dataDir, "links"), fromRelative.DeepLink.SpoolDir)
	assert.Equal(t, fromRelative.DeepLink.SpoolDir, fromElsewhere.DeepLink.SpoolDir)
	assert.Equal(t, fromRelative.SessionStore.File, fromElsewhere.SessionStore.File)
}

func TestDataPathsExpandHomeAndAnchorAtConfigDir(t *testing.T) {
	home, _ := isolateUserDirs(t)
	path := writeConfig(t, `
backend:
  url: https://project.example.co
  anon-key: anon
deep-link:
  spool-dir: ~/handoff/links
session-store:
  file: state/session.json
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(home, "handoff", "links"), cfg.DeepLink.SpoolDir)
	assert.Equal(t, filepath.Join(filepath.Dir(path), "state", "session.json"), cfg.SessionStore.File)
}
