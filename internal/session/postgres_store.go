package session

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultSessionTable = "handoff_sessions"
	defaultSessionKey   = "current"
)

// PostgresStoreConfig captures configuration required to initialize a Postgres-backed store.
type PostgresStoreConfig struct {
	DSN    string
	Schema string
	Table  string
	// Key identifies the row holding this installation's session.
	Key string
}

// PostgresStore keeps the session as a JSONB row so several machines can
// share one signed-in identity.
type PostgresStore struct {
	db  *sql.DB
	cfg PostgresStoreConfig
}

// NewPostgresStore opens and pings the database.
func NewPostgresStore(ctx context.Context, cfg PostgresStoreConfig) (*PostgresStore, error) {
	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres store: DSN is required")
	}
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres store: open database connection: %w", err)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("postgres store: ping database: %w", err)
	}
	return newPostgresStoreWithDB(db, cfg), nil
}

func newPostgresStoreWithDB(db *sql.DB, cfg PostgresStoreConfig) *PostgresStore {
	if strings.TrimSpace(cfg.Table) == "" {
		cfg.Table = defaultSessionTable
	}
	if strings.TrimSpace(cfg.Key) == "" {
		cfg.Key = defaultSessionKey
	}
	return &PostgresStore{db: db, cfg: cfg}
}

// Close releases the underlying database connection.
func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// EnsureSchema creates the session table (and schema when provided).
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store: not initialized")
	}
	if schema := strings.TrimSpace(s.cfg.Schema); schema != "" {
		query := fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", quoteIdentifier(schema))
		if _, err := s.db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("postgres store: create schema: %w", err)
		}
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			content JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)
	`, s.tableName())); err != nil {
		return fmt.Errorf("postgres store: create session table: %w", err)
	}
	return nil
}

// Load reads the session row.
func (s *PostgresStore) Load(ctx context.Context) (*Session, error) {
	query := fmt.Sprintf("SELECT content FROM %s WHERE id = $1", s.tableName())
	var content []byte
	if err := s.db.QueryRowContext(ctx, query, s.cfg.Key).Scan(&content); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("postgres store: load session: %w", err)
	}
	var stored Session
	if err := json.Unmarshal(content, &stored); err != nil {
		return nil, fmt.Errorf("postgres store: decode session: %w", err)
	}
	return &stored, nil
}

// Save upserts the session row.
func (s *PostgresStore) Save(ctx context.Context, current *Session) error {
	if current == nil {
		return fmt.Errorf("postgres store: session is nil")
	}
	raw, err := json.Marshal(current)
	if err != nil {
		return fmt.Errorf("postgres store: encode session: %w", err)
	}
	query := fmt.Sprintf(`
		INSERT INTO %s (id, content, created_at, updated_at)
		VALUES ($1, $2, NOW(), NOW())
		ON CONFLICT (id)
		DO UPDATE SET content = EXCLUDED.content, updated_at = NOW()
	`, s.tableName())
	if _, err = s.db.ExecContext(ctx, query, s.cfg.Key, json.RawMessage(raw)); err != nil {
		return fmt.Errorf("postgres store: upsert session: %w", err)
	}
	return nil
}

// Clear deletes the session row.
func (s *PostgresStore) Clear(ctx context.Context) error {
	query := fmt.Sprintf("DELETE FROM %s WHERE id = $1", s.tableName())
	if _, err := s.db.ExecContext(ctx, query, s.cfg.Key); err != nil {
		return fmt.Errorf("postgres store: delete session: %w", err)
	}
	return nil
}

func (s *PostgresStore) tableName() string {
	if strings.TrimSpace(s.cfg.Schema) == "" {
		return quoteIdentifier(s.cfg.Table)
	}
	return quoteIdentifier(s.cfg.Schema) + "." + quoteIdentifier(s.cfg.Table)
}

func quoteIdentifier(identifier string) string {
	replaced := strings.ReplaceAll(identifier, "\"", "\"\"")
	return "\"" + replaced + "\""
}
