package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/router-for-me/signin-handoff/internal/config"
	"github.com/router-for-me/signin-handoff/internal/deeplink"
	"github.com/router-for-me/signin-handoff/internal/session"
	log "github.com/sirupsen/logrus"
)

// StatusOptions configures the status command.
type StatusOptions struct {
	// Refresh renews an expired session with its refresh token.
	Refresh bool
	// Out receives the report; os.Stdout when nil.
	Out io.Writer
	// Now defaults to time.Now.
	Now func() time.Time
}

// DoStatus prints the stored session with tokens masked.
func DoStatus(ctx context.Context, cfg *config.Config, options *StatusOptions) error {
	if options == nil {
		options = &StatusOptions{}
	}
	out := writerOrStdout(options.Out)
	now := options.Now
	if now == nil {
		now = time.Now
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer closeStore()

	current, err := store.Load(ctx)
	if errors.Is(err, session.ErrNoSession) {
		_, _ = fmt.Fprintln(out, "Not signed in.")
		return nil
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}

	if !current.Valid(now()) && options.Refresh && current.RefreshToken != "" {
		committer, errCommitter := newCommitter(cfg, store, current.Provider)
		if errCommitter != nil {
			return errCommitter
		}
		refreshed, errRefresh := committer.Refresh(ctx, current.RefreshToken)
		if errRefresh != nil {
			log.Warnf("refresh expired session: %v", errRefresh)
		} else {
			current = refreshed
		}
	}

	state := "active"
	if !current.Valid(now()) {
		state = "expired"
	}
	_, _ = fmt.Fprintf(out, "Signed in as %s (%s)\n", current.Label(), state)
	if current.Provider != "" {
		_, _ = fmt.Fprintf(out, "  provider:      %s\n", current.Provider)
	}
	if current.UserID != "" {
		_, _ = fmt.Fprintf(out, "  user id:       %s\n", current.UserID)
	}
	_, _ = fmt.Fprintf(out, "  access token:  %s\n", session.MaskToken(current.AccessToken))
	_, _ = fmt.Fprintf(out, "  refresh token: %s\n", session.MaskToken(current.RefreshToken))
	if !current.ExpiresAt.IsZero() {
		_, _ = fmt.Fprintf(out, "  expires at:    %s\n", current.ExpiresAt.Local().Format(time.RFC3339))
	}
	return nil
}

// DoLogout removes the stored session.
func DoLogout(ctx context.Context, cfg *config.Config, out io.Writer) error {
	out = writerOrStdout(out)
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open session store: %w", err)
	}
	defer closeStore()

	if err = store.Clear(ctx); err != nil {
		return fmt.Errorf("clear session: %w", err)
	}
	log.Info("session cleared")
	_, _ = fmt.Fprintln(out, "Signed out.")
	return nil
}

// DoOpenURL hands a link routed by the operating system to a running login
// through the deep-link spool directory.
func DoOpenURL(cfg *config.Config, rawURL string) error {
	path, err := deeplink.WriteLink(cfg.DeepLink.SpoolDir, rawURL)
	if err != nil {
		return err
	}
	log.Debugf("deep link spooled to %s", path)
	return nil
}

func writerOrStdout(w io.Writer) io.Writer {
	if w == nil {
		return os.Stdout
	}
	return w
}
