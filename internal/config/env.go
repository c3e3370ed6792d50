package config

import (
	"strings"
)

// LookupFunc resolves an environment variable, e.g. os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// firstEnv returns the first non-empty value among keys, trying each key as
// written and in lower case.
func firstEnv(lookup LookupFunc, keys ...string) (string, bool) {
	for _, key := range keys {
		for _, candidate := range []string{key, strings.ToLower(key)} {
			if value, ok := lookup(candidate); ok && strings.TrimSpace(value) != "" {
				return strings.TrimSpace(value), true
			}
		}
	}
	return "", false
}

// applyEnv overlays credentials that deployments keep out of the YAML file.
// Setting a store DSN or endpoint selects that store unless a type is configured.
func (cfg *Config) applyEnv(lookup LookupFunc) {
	if lookup == nil {
		return
	}
	if value, ok := firstEnv(lookup, "HANDOFF_BACKEND_URL"); ok {
		cfg.Backend.URL = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_ANON_KEY"); ok {
		cfg.Backend.AnonKey = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_PROXY_URL"); ok {
		cfg.ProxyURL = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_RELAY_URL"); ok {
		cfg.DeepLink.RelayURL = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_SPOOL_DIR"); ok {
		cfg.DeepLink.SpoolDir = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_SESSION_FILE"); ok {
		cfg.SessionStore.File = value
	}

	if value, ok := firstEnv(lookup, "HANDOFF_PG_DSN"); ok {
		cfg.SessionStore.Postgres.DSN = value
		if cfg.SessionStore.Type == "" {
			cfg.SessionStore.Type = StoreTypePostgres
		}
	}
	if value, ok := firstEnv(lookup, "HANDOFF_PG_SCHEMA"); ok {
		cfg.SessionStore.Postgres.Schema = value
	}

	if value, ok := firstEnv(lookup, "HANDOFF_OBJECT_ENDPOINT"); ok {
		cfg.SessionStore.Object.Endpoint = value
		if cfg.SessionStore.Type == "" {
			cfg.SessionStore.Type = StoreTypeObject
		}
	}
	if value, ok := firstEnv(lookup, "HANDOFF_OBJECT_BUCKET"); ok {
		cfg.SessionStore.Object.Bucket = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_OBJECT_ACCESS_KEY"); ok {
		cfg.SessionStore.Object.AccessKey = value
	}
	if value, ok := firstEnv(lookup, "HANDOFF_OBJECT_SECRET_KEY"); ok {
		cfg.SessionStore.Object.SecretKey = value
	}
}
