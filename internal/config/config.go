// Package config provides configuration management for the sign-in handoff CLI.
// It loads the YAML configuration file, applies defaults and validates the
// backend, browser, polling, deep-link, session-store and provider settings.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/router-for-me/signin-handoff/internal/util"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultCallbackPort is the loopback port the browser callback server listens on.
	DefaultCallbackPort = 54545
	// DefaultCallbackPath is the deep-link route carrying sign-in callbacks.
	DefaultCallbackPath = "auth/callback"
	// DefaultSessionTimeout bounds how long the browser session waits for a callback.
	DefaultSessionTimeout = 5 * time.Minute
	// DefaultPollInterval is the delay between session probes.
	DefaultPollInterval = time.Second
	// DefaultPollMaxAttempts bounds session polling to DefaultPollInterval * 30.
	DefaultPollMaxAttempts = 30
	// DefaultNoPayloadProbeDelay is waited before probing after a payload-less callback.
	DefaultNoPayloadProbeDelay = time.Second

	StoreTypeFile     = "file"
	StoreTypePostgres = "postgres"
	StoreTypeObject   = "object"

	ProviderModeBackend = "backend"
	ProviderModeOAuth2  = "oauth2"
)

// Config represents the application's configuration, loaded from a YAML file.
type Config struct {
	// Backend is the managed auth backend the session is committed to.
	Backend BackendConfig `yaml:"backend" json:"backend"`

	// RedirectURL is where the provider sends the browser after sign-in.
	// Defaults to the loopback callback server.
	RedirectURL string `yaml:"redirect-url" json:"redirect-url"`

	// CallbackPath filters deep links; only links ending in this path are considered.
	CallbackPath string `yaml:"callback-path" json:"callback-path"`

	Browser BrowserConfig `yaml:"browser" json:"browser"`

	Polling PollingConfig `yaml:"polling" json:"polling"`

	// NoPayloadProbeDelay is waited before probing the session when the browser
	// returned a callback without credentials. Negative disables the delay.
	NoPayloadProbeDelay time.Duration `yaml:"no-payload-probe-delay" json:"no-payload-probe-delay"`

	DeepLink DeepLinkConfig `yaml:"deep-link" json:"deep-link"`

	SessionStore SessionStoreConfig `yaml:"session-store" json:"session-store"`

	// Providers configures the identity providers keyed by name (google, github).
	Providers map[string]ProviderConfig `yaml:"providers" json:"providers"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug" json:"debug"`

	// LoggingToFile writes logs to rotating files instead of stdout.
	LoggingToFile bool `yaml:"logging-to-file" json:"logging-to-file"`

	// LogsMaxTotalSizeMB limits the total size (in MB) of log files under the log directory.
	// When exceeded, the oldest log files are deleted. <= 0 disables the limit.
	LogsMaxTotalSizeMB int `yaml:"logs-max-total-size-mb" json:"logs-max-total-size-mb"`

	// LogDir overrides the log directory. Defaults to "logs" next to the config file.
	LogDir string `yaml:"log-dir" json:"log-dir"`

	// ProxyURL is the URL of an optional proxy server used for backend requests.
	ProxyURL string `yaml:"proxy-url" json:"proxy-url"`
}

// BackendConfig addresses the managed auth backend.
type BackendConfig struct {
	URL     string `yaml:"url" json:"url"`
	AnonKey string `yaml:"anon-key" json:"-"`
}

// BrowserConfig controls the external browser session.
type BrowserConfig struct {
	// NoBrowser prints the authorization URL instead of opening a browser.
	NoBrowser bool `yaml:"no-browser" json:"no-browser"`
	// CallbackPort is the loopback callback server port. 0 picks DefaultCallbackPort.
	CallbackPort int `yaml:"callback-port" json:"callback-port"`
	// SessionTimeout dismisses the browser session when no callback arrived.
	SessionTimeout time.Duration `yaml:"session-timeout" json:"session-timeout"`
	// CopyURL copies the authorization URL to the clipboard when it is printed.
	CopyURL bool `yaml:"copy-url" json:"copy-url"`
}

// PollingConfig bounds session polling after a dismissed browser session.
type PollingConfig struct {
	Interval    time.Duration `yaml:"interval" json:"interval"`
	MaxAttempts int           `yaml:"max-attempts" json:"max-attempts"`
}

// DeepLinkConfig configures where deep links are received from.
type DeepLinkConfig struct {
	// SpoolDir is the directory `handoff open-url` drops links into.
	SpoolDir string `yaml:"spool-dir" json:"spool-dir"`
	// RelayURL is an optional websocket relay forwarding links from development tools.
	RelayURL string `yaml:"relay-url" json:"relay-url"`
}

// SessionStoreConfig selects where the committed session is persisted.
type SessionStoreConfig struct {
	// Type is one of file, postgres or object.
	Type     string              `yaml:"type" json:"type"`
	File     string              `yaml:"file" json:"file"`
	Postgres PostgresStoreConfig `yaml:"postgres" json:"postgres"`
	Object   ObjectStoreConfig   `yaml:"object" json:"object"`
}

// PostgresStoreConfig configures the PostgreSQL session store.
type PostgresStoreConfig struct {
	DSN    string `yaml:"dsn" json:"-"`
	Schema string `yaml:"schema" json:"schema"`
	Table  string `yaml:"table" json:"table"`
}

// ObjectStoreConfig configures the S3-compatible session store.
type ObjectStoreConfig struct {
	Endpoint  string `yaml:"endpoint" json:"endpoint"`
	Bucket    string `yaml:"bucket" json:"bucket"`
	AccessKey string `yaml:"access-key" json:"-"`
	SecretKey string `yaml:"secret-key" json:"-"`
	Region    string `yaml:"region" json:"region"`
	Key       string `yaml:"key" json:"key"`
	UseSSL    bool   `yaml:"use-ssl" json:"use-ssl"`
	// PathStyle forces path-style bucket addressing, needed by most self-hosted endpoints.
	PathStyle bool `yaml:"path-style" json:"path-style"`
}

// ProviderConfig configures one identity provider.
type ProviderConfig struct {
	// Mode is backend (the managed backend brokers the provider) or oauth2
	// (the provider is addressed directly).
	Mode     string   `yaml:"mode" json:"mode"`
	ClientID string   `yaml:"client-id" json:"client-id"`
	Scopes   []string `yaml:"scopes" json:"scopes"`
}

// LoadConfig reads and validates the configuration file at configFile.
func LoadConfig(configFile string) (*Config, error) {
	return LoadConfigOptional(configFile, false)
}

// LoadConfigOptional behaves like LoadConfig but, when optional is true,
// returns a default configuration if the file does not exist or is empty.
func LoadConfigOptional(configFile string, optional bool) (*Config, error) {
	return LoadConfigWithEnv(configFile, optional, nil)
}

// LoadConfigWithEnv behaves like LoadConfigOptional and applies environment
// overrides from lookup before defaults and validation. A nil lookup skips them.
func LoadConfigWithEnv(configFile string, optional bool, lookup LookupFunc) (*Config, error) {
	data, err := os.ReadFile(configFile)
	if err != nil {
		if optional && errors.Is(err, os.ErrNotExist) {
			cfg := &Config{}
			cfg.applyEnv(lookup)
			cfg.applyDefaults(configFile)
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if len(strings.TrimSpace(string(data))) > 0 {
		if err = yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	} else if !optional {
		return nil, fmt.Errorf("config file %s is empty", configFile)
	}

	cfg.applyEnv(lookup)
	cfg.applyDefaults(configFile)
	if err = cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (cfg *Config) applyDefaults(configFile string) {
	baseDir := "."
	if configFile != "" {
		baseDir = filepath.Dir(configFile)
	}

	cfg.Backend.URL = strings.TrimRight(strings.TrimSpace(cfg.Backend.URL), "/")
	if strings.TrimSpace(cfg.CallbackPath) == "" {
		cfg.CallbackPath = DefaultCallbackPath
	}
	cfg.CallbackPath = strings.Trim(strings.TrimSpace(cfg.CallbackPath), "/")
	if cfg.Browser.CallbackPort <= 0 {
		cfg.Browser.CallbackPort = DefaultCallbackPort
	}
	if cfg.Browser.SessionTimeout <= 0 {
		cfg.Browser.SessionTimeout = DefaultSessionTimeout
	}
	if strings.TrimSpace(cfg.RedirectURL) == "" {
		cfg.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/%s", cfg.Browser.CallbackPort, cfg.CallbackPath)
	}
	if cfg.Polling.Interval <= 0 {
		cfg.Polling.Interval = DefaultPollInterval
	}
	if cfg.Polling.MaxAttempts <= 0 {
		cfg.Polling.MaxAttempts = DefaultPollMaxAttempts
	}
	if cfg.NoPayloadProbeDelay == 0 {
		cfg.NoPayloadProbeDelay = DefaultNoPayloadProbeDelay
	}
	dataDir := DefaultDataDir()
	if strings.TrimSpace(cfg.DeepLink.SpoolDir) == "" {
		cfg.DeepLink.SpoolDir = filepath.Join(dataDir, "links")
	}
	cfg.DeepLink.SpoolDir = resolvePath(cfg.DeepLink.SpoolDir, baseDir)
	cfg.SessionStore.Type = strings.ToLower(strings.TrimSpace(cfg.SessionStore.Type))
	if cfg.SessionStore.Type == "" {
		cfg.SessionStore.Type = StoreTypeFile
	}
	if strings.TrimSpace(cfg.SessionStore.File) == "" {
		cfg.SessionStore.File = filepath.Join(dataDir, "session.json")
	}
	cfg.SessionStore.File = resolvePath(cfg.SessionStore.File, baseDir)
	if cfg.SessionStore.Postgres.Table == "" {
		cfg.SessionStore.Postgres.Table = "handoff_sessions"
	}
	if cfg.SessionStore.Object.Key == "" {
		cfg.SessionStore.Object.Key = "sessions/current.json"
	}
	if strings.TrimSpace(cfg.LogDir) == "" {
		cfg.LogDir = filepath.Join(baseDir, "logs")
	}
	cfg.LogDir = resolvePath(cfg.LogDir, baseDir)

	if cfg.Providers == nil {
		cfg.Providers = make(map[string]ProviderConfig)
	}
	normalized := make(map[string]ProviderConfig, len(cfg.Providers))
	for name, provider := range cfg.Providers {
		provider.Mode = strings.ToLower(strings.TrimSpace(provider.Mode))
		if provider.Mode == "" {
			provider.Mode = ProviderModeBackend
		}
		normalized[strings.ToLower(strings.TrimSpace(name))] = provider
	}
	cfg.Providers = normalized
}

// DefaultDataDir holds the deep-link spool and the session file unless
// configured otherwise. It does not depend on the working directory, so the
// URL-scheme handler running `open-url` and a running login agree on it.
func DefaultDataDir() string {
	if dir, err := os.UserConfigDir(); err == nil && dir != "" {
		return filepath.Join(dir, "handoff")
	}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		return filepath.Join(home, ".handoff")
	}
	return ".handoff"
}

// resolvePath expands "~" and anchors relative paths at the config file's
// directory. An unresolvable home keeps the path as written.
func resolvePath(path, baseDir string) string {
	if abs, err := filepath.Abs(baseDir); err == nil {
		baseDir = abs
	}
	resolved, err := util.ResolvePath(path, baseDir)
	if err != nil {
		log.Warnf("config: %v", err)
		return path
	}
	return resolved
}

// Validate reports the first configuration problem found.
func (cfg *Config) Validate() error {
	if cfg.Backend.URL == "" {
		return fmt.Errorf("config: backend.url is required")
	}
	if parsed, err := url.Parse(cfg.Backend.URL); err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("config: backend.url %q is not an absolute URL", cfg.Backend.URL)
	}
	if strings.TrimSpace(cfg.Backend.AnonKey) == "" {
		return fmt.Errorf("config: backend.anon-key is required")
	}
	if cfg.Browser.CallbackPort > 65535 {
		return fmt.Errorf("config: browser.callback-port %d out of range", cfg.Browser.CallbackPort)
	}
	switch cfg.SessionStore.Type {
	case StoreTypeFile:
	case StoreTypePostgres:
		if strings.TrimSpace(cfg.SessionStore.Postgres.DSN) == "" {
			return fmt.Errorf("config: session-store.postgres.dsn is required for the postgres store")
		}
	case StoreTypeObject:
		if strings.TrimSpace(cfg.SessionStore.Object.Endpoint) == "" || strings.TrimSpace(cfg.SessionStore.Object.Bucket) == "" {
			return fmt.Errorf("config: session-store.object.endpoint and bucket are required for the object store")
		}
	default:
		return fmt.Errorf("config: unknown session-store.type %q", cfg.SessionStore.Type)
	}
	for name, provider := range cfg.Providers {
		switch provider.Mode {
		case ProviderModeBackend:
		case ProviderModeOAuth2:
			if strings.TrimSpace(provider.ClientID) == "" {
				return fmt.Errorf("config: providers.%s.client-id is required in oauth2 mode", name)
			}
		default:
			return fmt.Errorf("config: providers.%s.mode %q is not supported", name, provider.Mode)
		}
	}
	return nil
}

// Provider returns the configuration for name, falling back to backend mode
// when the provider is not listed.
func (cfg *Config) Provider(name string) ProviderConfig {
	name = strings.ToLower(strings.TrimSpace(name))
	if provider, ok := cfg.Providers[name]; ok {
		return provider
	}
	return ProviderConfig{Mode: ProviderModeBackend}
}
