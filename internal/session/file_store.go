package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore persists the session as a JSON file readable only by the owner.
type FileStore struct {
	mu   sync.Mutex
	path string
}

// NewFileStore creates a store writing to path.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("session filestore: path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("session filestore: resolve path: %w", err)
	}
	return &FileStore{path: abs}, nil
}

// Path returns the session file location.
func (s *FileStore) Path() string { return s.path }

// Load reads the stored session.
func (s *FileStore) Load(_ context.Context) (*Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNoSession
		}
		return nil, fmt.Errorf("session filestore: read %s: %w", s.path, err)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrNoSession
	}
	var stored Session
	if err = json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("session filestore: decode %s: %w", s.path, err)
	}
	return &stored, nil
}

// Save writes the session through a temporary file and an atomic rename.
func (s *FileStore) Save(_ context.Context, current *Session) error {
	if current == nil {
		return fmt.Errorf("session filestore: session is nil")
	}
	raw, err := json.MarshalIndent(current, "", "  ")
	if err != nil {
		return fmt.Errorf("session filestore: encode session: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err = os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("session filestore: create dir failed: %w", err)
	}
	tmp := s.path + ".tmp"
	if err = os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("session filestore: write temp file: %w", err)
	}
	if err = os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("session filestore: rename session file: %w", err)
	}
	return nil
}

// Clear deletes the session file.
func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("session filestore: delete %s: %w", s.path, err)
	}
	return nil
}
