package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/router-for-me/signin-handoff/internal/browser"
	"github.com/router-for-me/signin-handoff/internal/config"
	"github.com/router-for-me/signin-handoff/internal/deeplink"
	"github.com/router-for-me/signin-handoff/internal/provider"
	"github.com/router-for-me/signin-handoff/internal/session"
	"github.com/router-for-me/signin-handoff/sdk/signin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Exit codes reported by the login command.
const (
	ExitSignedIn  = 0
	ExitFailed    = 1
	ExitCancelled = 2
	ExitTimedOut  = 3
)

// LoginOptions contains options for the login command.
type LoginOptions struct {
	// Provider names the identity provider, e.g. google or github.
	Provider string

	// NoBrowser indicates whether to skip opening the browser automatically.
	NoBrowser bool

	// CallbackPort overrides the loopback callback port when set (>0).
	CallbackPort int

	// Out receives user-facing messages; os.Stdout when nil.
	Out io.Writer

	// Browser replaces the system browser launcher, mainly for tests.
	Browser signin.BrowserLauncher
}

// DoLogin runs one sign-in attempt for options.Provider and returns its
// outcome. The returned error covers setup problems only; sign-in failures
// are reported through the outcome.
func DoLogin(ctx context.Context, cfg *config.Config, options *LoginOptions) (signin.Outcome, error) {
	if options == nil {
		options = &LoginOptions{}
	}
	out := writerOrStdout(options.Out)
	cfg = withCallbackPort(cfg, options.CallbackPort)

	prov, err := provider.FromConfig(cfg, options.Provider)
	if err != nil {
		return signin.Outcome{}, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return signin.Outcome{}, fmt.Errorf("open session store: %w", err)
	}
	defer closeStore()

	committer, err := newCommitter(cfg, store, prov.Name())
	if err != nil {
		return signin.Outcome{}, err
	}

	launcher := options.Browser
	if launcher == nil {
		launcher = browser.NewLauncher(browser.LauncherOptions{
			NoBrowser:      cfg.Browser.NoBrowser || options.NoBrowser,
			CallbackPort:   cfg.Browser.CallbackPort,
			CallbackPath:   cfg.CallbackPath,
			SessionTimeout: cfg.Browser.SessionTimeout,
			CopyURL:        cfg.Browser.CopyURL,
			Out:            out,
		})
	}

	hub := deeplink.NewHub()
	sourcesCtx, stopSources := context.WithCancel(ctx)
	defer stopSources()
	group, groupCtx := errgroup.WithContext(sourcesCtx)

	watcher := deeplink.NewSpoolWatcher(cfg.DeepLink.SpoolDir, hub, deeplink.DefaultMaxLinkAge)
	group.Go(func() error { return watcher.Run(groupCtx) })
	if cfg.DeepLink.RelayURL != "" {
		relay := deeplink.NewRelaySource(cfg.DeepLink.RelayURL, hub, nil)
		group.Go(func() error { return relay.Run(groupCtx) })
	}
	select {
	case <-watcher.Ready():
	case <-groupCtx.Done():
		log.Warn("deep-link sources stopped before sign-in started")
	}

	manager := signin.NewManager(signin.Dependencies{
		Browser:   launcher,
		DeepLinks: hub,
		Probe:     session.NewProbe(store, nil),
		Committer: committer,
	}, signin.Options{
		CallbackPath:        cfg.CallbackPath,
		PollInterval:        cfg.Polling.Interval,
		PollMaxAttempts:     cfg.Polling.MaxAttempts,
		NoPayloadProbeDelay: cfg.NoPayloadProbeDelay,
	}, prov)

	outcome, err := manager.Login(ctx, prov.Name())

	stopSources()
	if errSources := group.Wait(); errSources != nil && !errors.Is(errSources, context.Canceled) {
		log.Warnf("deep-link source failed: %v", errSources)
	}
	if err != nil {
		return signin.Outcome{}, err
	}
	return outcome, nil
}

// withCallbackPort returns a copy of cfg listening on port. A redirect URL
// that still points at the configured loopback port follows the override.
func withCallbackPort(cfg *config.Config, port int) *config.Config {
	if port <= 0 || port == cfg.Browser.CallbackPort {
		return cfg
	}
	defaultRedirect := fmt.Sprintf("http://127.0.0.1:%d/%s", cfg.Browser.CallbackPort, cfg.CallbackPath)
	copied := *cfg
	copied.Browser.CallbackPort = port
	if copied.RedirectURL == defaultRedirect {
		copied.RedirectURL = fmt.Sprintf("http://127.0.0.1:%d/%s", port, cfg.CallbackPath)
	}
	return &copied
}

// ReportOutcome prints outcome for the user and returns the process exit code.
func ReportOutcome(out io.Writer, outcome signin.Outcome) int {
	fields := log.Fields{"attempt_id": outcome.AttemptID, "outcome": outcome.Kind.String()}
	switch outcome.Kind {
	case signin.OutcomeSignedIn:
		log.WithFields(fields).Info("sign-in completed")
		_, _ = fmt.Fprintf(out, "Signed in as %s\n", outcome.Session.Label())
		return ExitSignedIn
	case signin.OutcomeCancelled:
		log.WithFields(fields).Info("sign-in cancelled")
		_, _ = fmt.Fprintln(out, UserFriendlyMessage(outcome))
		return ExitCancelled
	case signin.OutcomeTimedOut:
		log.WithFields(fields).Warn("sign-in timed out")
		_, _ = fmt.Fprintln(out, UserFriendlyMessage(outcome))
		return ExitTimedOut
	default:
		log.WithFields(fields).WithError(outcome.Err).Error("sign-in failed")
		_, _ = fmt.Fprintln(out, UserFriendlyMessage(outcome))
		return ExitFailed
	}
}

// UserFriendlyMessage returns a user-facing description of outcome.
func UserFriendlyMessage(outcome signin.Outcome) string {
	switch outcome.Kind {
	case signin.OutcomeSignedIn:
		return fmt.Sprintf("Signed in as %s.", outcome.Session.Label())
	case signin.OutcomeCancelled:
		return "Sign-in was cancelled."
	case signin.OutcomeTimedOut:
		return "Sign-in timed out. Please try again."
	}

	var signinErr *signin.Error
	if !errors.As(outcome.Err, &signinErr) {
		if outcome.Err == nil {
			return "Sign-in failed. Please try again."
		}
		return fmt.Sprintf("Sign-in failed: %v", outcome.Err)
	}
	switch signinErr.Kind {
	case signin.KindProviderError:
		if signinErr.Code == "access_denied" {
			return "Sign-in was denied by the provider."
		}
		return fmt.Sprintf("The provider reported an error: %s", signinErr.Message)
	case signin.KindSessionCommit:
		return "The sign-in could not be completed with the backend. Please try again."
	case signin.KindTransportError:
		switch {
		case errors.Is(outcome.Err, signin.ErrBrowserLaunch):
			return "Could not open a browser session. Use --no-browser and open the URL manually."
		case errors.Is(outcome.Err, signin.ErrNoCredentials):
			return "The sign-in returned without credentials. Please try again."
		default:
			return fmt.Sprintf("Sign-in failed: %s", signinErr.Message)
		}
	default:
		return "Sign-in failed. Please try again."
	}
}
