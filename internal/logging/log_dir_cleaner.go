package logging

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

const logDirCleanerInterval = time.Minute

var logDirCleanerCancel context.CancelFunc

// dirCleaner keeps the log directory under a byte budget by removing the
// oldest rotated files first. The active log file is never removed.
type dirCleaner struct {
	dir       string
	maxBytes  int64
	protected string
}

type logFile struct {
	path    string
	size    int64
	modTime time.Time
}

func configureLogDirCleanerLocked(logDir string, maxTotalSizeMB int, protectedPath string) {
	stopLogDirCleanerLocked()

	dir := strings.TrimSpace(logDir)
	if maxTotalSizeMB <= 0 || dir == "" {
		return
	}
	cleaner := &dirCleaner{
		dir:       filepath.Clean(dir),
		maxBytes:  int64(maxTotalSizeMB) << 20,
		protected: cleanOrEmpty(protectedPath),
	}

	ctx, cancel := context.WithCancel(context.Background())
	logDirCleanerCancel = cancel
	go cleaner.run(ctx, logDirCleanerInterval)
}

func stopLogDirCleanerLocked() {
	if logDirCleanerCancel == nil {
		return
	}
	logDirCleanerCancel()
	logDirCleanerCancel = nil
}

func (c *dirCleaner) run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		deleted, errClean := c.enforce()
		if errClean != nil {
			log.WithError(errClean).Warn("logging: failed to enforce log directory size limit")
		} else if deleted > 0 {
			log.Debugf("logging: removed %d old log file(s) to enforce log directory size limit", deleted)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// enforce deletes the oldest log files until the total size fits maxBytes.
func (c *dirCleaner) enforce() (int, error) {
	if c.maxBytes <= 0 || c.dir == "" {
		return 0, nil
	}
	files, total, err := c.scan()
	if err != nil || total <= c.maxBytes {
		return 0, err
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})

	deleted := 0
	for _, file := range files {
		if total <= c.maxBytes {
			break
		}
		if c.protected != "" && file.path == c.protected {
			continue
		}
		if errRemove := os.Remove(file.path); errRemove != nil {
			log.WithError(errRemove).Warnf("logging: failed to remove old log file: %s", filepath.Base(file.path))
			continue
		}
		total -= file.size
		deleted++
	}
	return deleted, nil
}

func (c *dirCleaner) scan() ([]logFile, int64, error) {
	entries, errRead := os.ReadDir(c.dir)
	if errRead != nil {
		if os.IsNotExist(errRead) {
			return nil, 0, nil
		}
		return nil, 0, errRead
	}

	var (
		files []logFile
		total int64
	)
	for _, entry := range entries {
		if entry.IsDir() || !isLogFileName(entry.Name()) {
			continue
		}
		info, errInfo := entry.Info()
		if errInfo != nil || !info.Mode().IsRegular() {
			continue
		}
		files = append(files, logFile{
			path:    filepath.Join(c.dir, entry.Name()),
			size:    info.Size(),
			modTime: info.ModTime(),
		})
		total += info.Size()
	}
	return files, total, nil
}

func cleanOrEmpty(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		return ""
	}
	return filepath.Clean(path)
}

// isLogFileName matches the active log and lumberjack backups
// (handoff-2026-01-02T15-04-05.000.log, optionally gzipped).
func isLogFileName(name string) bool {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return false
	}
	return strings.HasSuffix(lower, ".log") || strings.HasSuffix(lower, ".log.gz")
}
