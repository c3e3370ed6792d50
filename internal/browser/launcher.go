package browser

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/router-for-me/signin-handoff/internal/logging"
	"github.com/router-for-me/signin-handoff/sdk/signin"
	log "github.com/sirupsen/logrus"
)

// LauncherOptions configures a Launcher.
type LauncherOptions struct {
	// NoBrowser prints the URL instead of opening the system browser.
	NoBrowser bool
	// CallbackPort is the loopback server port; 0 picks a free one.
	CallbackPort int
	// CallbackPath is the loopback route the provider redirects to.
	CallbackPath string
	// SessionTimeout ends the browser session as dismissed when no callback
	// arrived in time. <= 0 waits until the context ends.
	SessionTimeout time.Duration
	// CopyURL copies the printed URL to the clipboard.
	CopyURL bool
	// Out receives user-facing instructions; os.Stdout when nil.
	Out io.Writer
	// Opener replaces OpenURL, mainly for tests.
	Opener func(url string) error
	// Available replaces IsAvailable, mainly for tests.
	Available func() bool
}

// Launcher implements signin.BrowserLauncher with the system browser and a
// loopback callback server.
type Launcher struct {
	opts LauncherOptions

	mu      sync.Mutex
	server  *LoopbackServer
	dismiss chan struct{}
}

var _ signin.BrowserLauncher = (*Launcher)(nil)

// NewLauncher creates a launcher.
func NewLauncher(opts LauncherOptions) *Launcher {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.Opener == nil {
		opts.Opener = OpenURL
	}
	if opts.Available == nil {
		opts.Available = IsAvailable
	}
	return &Launcher{opts: opts}
}

// Open starts the loopback server, shows authURL and waits for the browser
// session to end: a callback resolves success, /auth/cancel or ctx resolves
// cancel, and the session timeout or Dismiss resolves dismiss. A session
// still open from an earlier call is dismissed first.
func (l *Launcher) Open(ctx context.Context, authURL string) (signin.BrowserResult, error) {
	server := NewLoopbackServer(l.opts.CallbackPort, l.opts.CallbackPath)
	dismissed := make(chan struct{})

	// A superseded session must release the callback port before the new
	// server binds it.
	l.mu.Lock()
	if l.dismiss != nil {
		close(l.dismiss)
		l.dismiss = nil
	}
	if previous := l.server; previous != nil {
		l.server = nil
		if errStop := previous.Stop(context.Background()); errStop != nil {
			log.Debugf("stop superseded loopback server: %v", errStop)
		}
	}
	if err := server.Start(); err != nil {
		l.mu.Unlock()
		return signin.BrowserResult{}, err
	}
	l.server = server
	l.dismiss = dismissed
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		if l.server == server {
			l.server = nil
			l.dismiss = nil
		}
		l.mu.Unlock()
		if errStop := server.Stop(context.Background()); errStop != nil {
			log.Debugf("stop loopback server: %v", errStop)
		}
	}()

	l.show(authURL)

	var timeout <-chan time.Time
	if l.opts.SessionTimeout > 0 {
		timer := time.NewTimer(l.opts.SessionTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case callbackURL := <-server.Callbacks():
		log.Debugf("browser session returned %s", logging.MaskURL(callbackURL))
		return signin.BrowserResult{Type: signin.BrowserSuccess, URL: callbackURL}, nil
	case <-server.Cancels():
		return signin.BrowserResult{Type: signin.BrowserCancel}, nil
	case <-dismissed:
		return signin.BrowserResult{Type: signin.BrowserDismiss}, nil
	case <-timeout:
		log.Debugf("browser session timed out after %s", l.opts.SessionTimeout)
		return signin.BrowserResult{Type: signin.BrowserDismiss}, nil
	case err := <-server.Errors():
		return signin.BrowserResult{}, err
	case <-ctx.Done():
		return signin.BrowserResult{Type: signin.BrowserCancel}, ctx.Err()
	}
}

// Dismiss ends the current browser session as dismissed and stops the
// callback server. It is a no-op when no session is open.
func (l *Launcher) Dismiss(ctx context.Context) error {
	l.mu.Lock()
	server := l.server
	dismissed := l.dismiss
	l.server = nil
	l.dismiss = nil
	l.mu.Unlock()

	if dismissed != nil {
		close(dismissed)
	}
	if server == nil {
		return nil
	}
	return server.Stop(ctx)
}

func (l *Launcher) show(authURL string) {
	if !l.opts.NoBrowser {
		_, _ = fmt.Fprintln(l.opts.Out, "Opening browser for sign-in")
		if !l.opts.Available() {
			log.Warn("no browser available; please open the URL manually")
		} else if err := l.opts.Opener(authURL); err != nil {
			log.Warnf("failed to open browser automatically: %v", err)
		} else {
			_, _ = fmt.Fprintln(l.opts.Out, "Waiting for sign-in to complete...")
			return
		}
	}
	_, _ = fmt.Fprintf(l.opts.Out, "Visit the following URL to continue sign-in:\n%s\n", authURL)
	if l.opts.CopyURL {
		if err := CopyToClipboard(authURL); err != nil {
			log.Debugf("copy URL to clipboard: %v", err)
		} else {
			_, _ = fmt.Fprintln(l.opts.Out, "(The URL has been copied to your clipboard.)")
		}
	}
	_, _ = fmt.Fprintln(l.opts.Out, "Waiting for sign-in to complete...")
}
