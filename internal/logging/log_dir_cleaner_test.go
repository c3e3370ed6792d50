package logging

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDirCleanerDeletesOldestRotatedFiles(t *testing.T) {
	dir := t.TempDir()

	writeLogFile(t, filepath.Join(dir, "handoff-2026-01-01T10-00-00.000.log"), 60, time.Unix(1, 0))
	writeLogFile(t, filepath.Join(dir, "handoff-2026-01-02T10-00-00.000.log"), 60, time.Unix(2, 0))
	active := filepath.Join(dir, LogFileName)
	writeLogFile(t, active, 60, time.Unix(3, 0))
	writeLogFile(t, filepath.Join(dir, "session.json"), 500, time.Unix(0, 0))

	cleaner := &dirCleaner{dir: dir, maxBytes: 120, protected: active}
	deleted, err := cleaner.enforce()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	assert.NoFileExists(t, filepath.Join(dir, "handoff-2026-01-01T10-00-00.000.log"))
	assert.FileExists(t, filepath.Join(dir, "handoff-2026-01-02T10-00-00.000.log"))
	assert.FileExists(t, active)
	assert.FileExists(t, filepath.Join(dir, "session.json"))
}

func TestDirCleanerNeverRemovesActiveLog(t *testing.T) {
	dir := t.TempDir()

	active := filepath.Join(dir, LogFileName)
	writeLogFile(t, active, 200, time.Unix(1, 0))
	writeLogFile(t, filepath.Join(dir, "other.log.gz"), 50, time.Unix(2, 0))

	cleaner := &dirCleaner{dir: dir, maxBytes: 100, protected: active}
	deleted, err := cleaner.enforce()
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)
	assert.FileExists(t, active)
	assert.NoFileExists(t, filepath.Join(dir, "other.log.gz"))
}

func TestDirCleanerMissingDirectory(t *testing.T) {
	cleaner := &dirCleaner{dir: filepath.Join(t.TempDir(), "absent"), maxBytes: 1}
	deleted, err := cleaner.enforce()
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func writeLogFile(t *testing.T, path string, size int, modTime time.Time) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	require.NoError(t, os.Chtimes(path, modTime, modTime))
}
