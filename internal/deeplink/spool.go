package deeplink

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	linkSuffix = ".link"
	// DefaultMaxLinkAge drops spooled links left behind by earlier runs.
	DefaultMaxLinkAge = 5 * time.Minute
)

// WriteLink spools url into dir so a running login can pick it up. The file
// is written under a temporary name and renamed into place.
func WriteLink(dir, url string) (string, error) {
	dir = strings.TrimSpace(dir)
	url = strings.TrimSpace(url)
	if dir == "" {
		return "", fmt.Errorf("deeplink: spool directory is empty")
	}
	if url == "" {
		return "", fmt.Errorf("deeplink: url is empty")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("deeplink: create spool dir: %w", err)
	}

	body, err := sjson.Set(`{}`, "url", url)
	if err != nil {
		return "", fmt.Errorf("deeplink: encode link: %w", err)
	}
	body, err = sjson.Set(body, "received_at", time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return "", fmt.Errorf("deeplink: encode link: %w", err)
	}

	name := fmt.Sprintf("%d-%s%s", time.Now().UnixNano(), uuid.NewString()[:8], linkSuffix)
	tmp, err := os.CreateTemp(dir, ".pending-*")
	if err != nil {
		return "", fmt.Errorf("deeplink: create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err = tmp.WriteString(body); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("deeplink: write link: %w", err)
	}
	if err = tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("deeplink: close link: %w", err)
	}
	path := filepath.Join(dir, name)
	if err = os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("deeplink: publish link: %w", err)
	}
	return path, nil
}

// SpoolWatcher watches a spool directory and dispatches every link file
// that appears in it to a Hub. Consumed files are removed.
type SpoolWatcher struct {
	dir    string
	hub    *Hub
	maxAge time.Duration
	ready  chan struct{}
}

// NewSpoolWatcher creates a watcher for dir. maxAge <= 0 selects DefaultMaxLinkAge.
func NewSpoolWatcher(dir string, hub *Hub, maxAge time.Duration) *SpoolWatcher {
	if maxAge <= 0 {
		maxAge = DefaultMaxLinkAge
	}
	return &SpoolWatcher{
		dir:    filepath.Clean(dir),
		hub:    hub,
		maxAge: maxAge,
		ready:  make(chan struct{}),
	}
}

// Ready is closed once the directory is watched and pre-existing links were drained.
func (w *SpoolWatcher) Ready() <-chan struct{} {
	return w.ready
}

// Run watches until ctx is done. It returns nil on cancellation.
func (w *SpoolWatcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.dir, 0o700); err != nil {
		return fmt.Errorf("deeplink: create spool dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("deeplink: create watcher: %w", err)
	}
	defer func() {
		if errClose := watcher.Close(); errClose != nil {
			log.Debugf("deeplink: close watcher: %v", errClose)
		}
	}()
	if err = watcher.Add(w.dir); err != nil {
		return fmt.Errorf("deeplink: watch %s: %w", w.dir, err)
	}
	log.Debugf("watching deep-link spool: %s", w.dir)

	w.drain()
	close(w.ready)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasSuffix(event.Name, linkSuffix) {
				continue
			}
			w.consume(event.Name)
		case errWatch, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Errorf("deep-link spool watcher error: %v", errWatch)
		}
	}
}

func (w *SpoolWatcher) drain() {
	entries, err := os.ReadDir(w.dir)
	if err != nil {
		log.Warnf("deeplink: read spool dir: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), linkSuffix) {
			continue
		}
		w.consume(filepath.Join(w.dir, entry.Name()))
	}
}

// consume reads, removes and dispatches one link file. Files already taken
// by an earlier event are skipped.
func (w *SpoolWatcher) consume(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("deeplink: read %s: %v", filepath.Base(path), err)
		}
		return
	}
	if err = os.Remove(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Warnf("deeplink: remove %s: %v", filepath.Base(path), err)
		}
		return
	}

	url := strings.TrimSpace(gjson.GetBytes(data, "url").String())
	if url == "" {
		log.Warnf("deeplink: %s carries no url; skipping", filepath.Base(path))
		return
	}
	if receivedAt := gjson.GetBytes(data, "received_at"); receivedAt.Exists() {
		if ts, errParse := time.Parse(time.RFC3339Nano, receivedAt.String()); errParse == nil && time.Since(ts) > w.maxAge {
			log.Debugf("deeplink: dropping stale link %s", filepath.Base(path))
			return
		}
	}
	w.hub.Dispatch(url)
}
