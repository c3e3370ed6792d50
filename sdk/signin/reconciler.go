package signin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/router-for-me/signin-handoff/internal/callback"
	log "github.com/sirupsen/logrus"
)

const (
	// DefaultCallbackPath is the deep-link route that carries sign-in callbacks.
	DefaultCallbackPath = "auth/callback"
	// DefaultPollInterval is the delay between session probes after a dismiss.
	DefaultPollInterval = time.Second
	// DefaultPollMaxAttempts bounds the poll to DefaultPollInterval * 30.
	DefaultPollMaxAttempts = 30
	// DefaultNoPayloadProbeDelay is waited before probing after a browser
	// success whose URL carried no payload.
	DefaultNoPayloadProbeDelay = time.Second

	dismissTimeout = 2 * time.Second
)

// Options tunes a Reconciler. Zero values select the defaults.
type Options struct {
	// CallbackPath filters deep links; only links ending in this path are considered.
	CallbackPath string
	// PollInterval is the delay between session probes once polling is armed.
	PollInterval time.Duration
	// PollMaxAttempts is the number of probes before the attempt times out.
	PollMaxAttempts int
	// NoPayloadProbeDelay is waited before the one-shot probe that follows a
	// browser success without credentials. Negative disables the delay.
	NoPayloadProbeDelay time.Duration
	// Clock drives timestamps and polling; SystemClock when nil.
	Clock Clock
	// NewID generates attempt identifiers; random UUIDs when nil.
	NewID func() string
}

func (o Options) withDefaults() Options {
	if strings.TrimSpace(o.CallbackPath) == "" {
		o.CallbackPath = DefaultCallbackPath
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = DefaultPollMaxAttempts
	}
	if o.NoPayloadProbeDelay == 0 {
		o.NoPayloadProbeDelay = DefaultNoPayloadProbeDelay
	}
	if o.NoPayloadProbeDelay < 0 {
		o.NoPayloadProbeDelay = 0
	}
	if o.Clock == nil {
		o.Clock = SystemClock()
	}
	if o.NewID == nil {
		o.NewID = uuid.NewString
	}
	return o
}

// Reconciler runs sign-in attempts for one provider on behalf of one caller.
// At most one attempt is live at a time; starting another supersedes it.
type Reconciler struct {
	provider string
	deps     Dependencies
	opts     Options

	mu     sync.Mutex
	active *Attempt
}

// NewReconciler creates a reconciler for provider.
func NewReconciler(provider string, deps Dependencies, opts Options) *Reconciler {
	return &Reconciler{
		provider: strings.TrimSpace(provider),
		deps:     deps,
		opts:     opts.withDefaults(),
	}
}

// Provider returns the provider identity this reconciler signs in with.
func (r *Reconciler) Provider() string {
	return r.provider
}

// Active returns the attempt currently owned by the reconciler, or nil.
func (r *Reconciler) Active() *Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// Start runs one attempt against authorizationURL and blocks until it ends.
// A live attempt from an earlier Start is cancelled first. Cancelling ctx
// cancels the attempt. Start always returns a terminal outcome.
func (r *Reconciler) Start(ctx context.Context, authorizationURL string) Outcome {
	if ctx == nil {
		ctx = context.Background()
	}

	attempt := newAttempt(ctx, r.opts.NewID(), authorizationURL, r.opts.Clock.Now())

	r.mu.Lock()
	previous := r.active
	r.active = attempt
	r.mu.Unlock()

	if previous != nil {
		r.forceCancel(previous, "superseded by attempt "+attempt.ID)
	}

	r.run(attempt)

	select {
	case <-attempt.Done():
	case <-ctx.Done():
		r.forceCancel(attempt, "caller cancelled")
		<-attempt.Done()
	}

	r.mu.Lock()
	if r.active == attempt {
		r.active = nil
	}
	r.mu.Unlock()

	outcome, _ := attempt.Outcome()
	r.logger(attempt).WithField("outcome", outcome.Kind.String()).Infof("sign-in attempt finished after %s", r.opts.Clock.Now().Sub(attempt.StartedAt).Truncate(time.Millisecond))
	return outcome
}

// Cancel cancels the live attempt, if any, and reports whether one was cancelled.
func (r *Reconciler) Cancel() bool {
	attempt := r.Active()
	if attempt == nil {
		return false
	}
	return r.forceCancel(attempt, "cancelled by caller")
}

func (r *Reconciler) forceCancel(a *Attempt, reason string) bool {
	wasFree := a.guard.ForceAcquire()
	if !a.finish(cancelled()) {
		return false
	}
	entry := r.logger(a)
	if !wasFree {
		entry = entry.WithField("interrupted", true)
	}
	entry.Infof("sign-in attempt cancelled: %s", reason)
	return true
}

func (r *Reconciler) run(a *Attempt) {
	logger := r.logger(a)
	if r.deps.Browser == nil {
		if a.guard.Acquire() {
			a.finish(failed(NewError(ErrBrowserLaunch, errors.New("no browser launcher configured"))))
		}
		return
	}

	a.setState(StateBrowserOpen)

	if r.deps.DeepLinks != nil {
		unsubscribe, err := r.subscribe(a)
		if err != nil {
			logger.WithError(err).Warn("deep-link subscription failed; continuing without it")
		} else {
			a.attachSubscription(unsubscribe)
		}
	}

	a.setState(StateAwaitingSignal)
	logger.Debugf("opening browser session for %s", r.provider)
	go r.watchBrowser(a)
}

func (r *Reconciler) subscribe(a *Attempt) (unsubscribe func(), err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = recoveredError(recovered)
		}
	}()
	unsubscribe = r.deps.DeepLinks.Subscribe(func(url string) {
		r.handleDeepLink(a, url)
	})
	return unsubscribe, nil
}

// handleDeepLink runs on the subscriber's goroutine and must not block.
func (r *Reconciler) handleDeepLink(a *Attempt, url string) {
	logger := r.logger(a)
	if !callback.MatchesPath(url, r.opts.CallbackPath) {
		logger.Debug("ignoring deep link outside the callback path")
		return
	}
	if !a.guard.Acquire() {
		logger.Debug("deep link arrived after the attempt was resolved; ignoring")
		return
	}
	a.setState(StateResolving)
	logger.Debug("deep link accepted")

	go r.guarded(a, func() {
		payload := callback.Parse(url)
		r.dismissBrowser(a)
		r.resolvePayload(a, payload, 0)
	})
}

func (r *Reconciler) watchBrowser(a *Attempt) {
	r.guarded(a, func() {
		result, err := r.deps.Browser.Open(a.ctx, a.AuthorizationURL)
		logger := r.logger(a)
		if a.ctx.Err() != nil {
			// Cleanup cancelled the context; the attempt already has an outcome.
			return
		}
		if err != nil {
			if a.guard.Acquire() {
				a.finish(failed(NewError(ErrBrowserLaunch, err)))
			}
			return
		}

		switch result.Type {
		case BrowserSuccess:
			if !a.guard.Acquire() {
				logger.Debug("browser success arrived after the attempt was resolved; ignoring")
				return
			}
			a.setState(StateResolving)
			logger.Debug("browser session returned the callback URL")
			r.resolvePayload(a, callback.Parse(result.URL), r.opts.NoPayloadProbeDelay)
		case BrowserCancel:
			if a.guard.Acquire() {
				a.finish(cancelled())
			}
		default:
			logger.Debugf("browser session ended with %q; polling for a session", result.Type)
			r.poll(a)
		}
	})
}

func (r *Reconciler) poll(a *Attempt) {
	if a.guard.Held() {
		return
	}
	poller := NewPoller(r.opts.Clock, r.opts.PollInterval, r.opts.PollMaxAttempts)
	if !a.armPoller(poller) {
		return
	}
	logger := r.logger(a)
	result := poller.Run(a.ctx, func(ctx context.Context, n int) bool {
		current, err := r.probe(ctx)
		if err != nil {
			logger.WithError(err).Warnf("session probe %d/%d failed", n, r.opts.PollMaxAttempts)
			return false
		}
		if current == nil {
			logger.Debugf("session probe %d/%d: no session yet", n, r.opts.PollMaxAttempts)
			return false
		}
		if a.guard.Acquire() {
			a.setState(StateResolving)
			a.finish(signedIn(r.stamp(current)))
		}
		return true
	})
	if result == PollExhausted && a.guard.Acquire() {
		a.finish(timedOut())
	}
}

// resolvePayload turns a parsed callback into the terminal outcome.
func (r *Reconciler) resolvePayload(a *Attempt, payload Payload, probeDelay time.Duration) {
	switch p := payload.(type) {
	case callback.ProviderError:
		a.finish(failed(NewProviderError(p.Code, p.Description)))
	case callback.Credentials:
		if r.deps.Committer == nil {
			a.finish(failed(NewError(ErrCommitFailed, errors.New("no session committer configured"))))
			return
		}
		committed, err := r.commit(a.ctx, p.AccessToken, p.RefreshToken)
		if err != nil {
			a.finish(failed(NewError(ErrCommitFailed, err)))
			return
		}
		if committed == nil {
			a.finish(failed(NewError(ErrCommitFailed, errors.New("backend returned no session"))))
			return
		}
		a.finish(signedIn(r.stamp(committed)))
	default:
		if probeDelay > 0 {
			select {
			case <-a.ctx.Done():
				return
			case <-r.opts.Clock.After(probeDelay):
			}
		}
		current, err := r.probe(a.ctx)
		if err != nil {
			a.finish(failed(NewError(ErrSessionProbe, err)))
			return
		}
		if current == nil {
			a.finish(failed(NewError(ErrNoCredentials, nil)))
			return
		}
		a.finish(signedIn(r.stamp(current)))
	}
}

func (r *Reconciler) dismissBrowser(a *Attempt) {
	ctx, cancel := context.WithTimeout(a.ctx, dismissTimeout)
	defer cancel()
	if err := r.dismiss(ctx); err != nil {
		r.logger(a).WithError(err).Debug("browser dismiss failed; ignoring")
	}
}

func (r *Reconciler) dismiss(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = recoveredError(recovered)
		}
	}()
	return r.deps.Browser.Dismiss(ctx)
}

func (r *Reconciler) probe(ctx context.Context) (current *Session, err error) {
	if r.deps.Probe == nil {
		return nil, nil
	}
	defer func() {
		if recovered := recover(); recovered != nil {
			current, err = nil, recoveredError(recovered)
		}
	}()
	return r.deps.Probe.CurrentSession(ctx)
}

func (r *Reconciler) commit(ctx context.Context, accessToken, refreshToken string) (committed *Session, err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			committed, err = nil, recoveredError(recovered)
		}
	}()
	return r.deps.Committer.Commit(ctx, accessToken, refreshToken)
}

// guarded runs fn and converts a panic into a failed outcome.
func (r *Reconciler) guarded(a *Attempt, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err := recoveredError(recovered)
			r.logger(a).WithError(err).Error("sign-in channel panicked")
			a.guard.ForceAcquire()
			a.finish(failed(NewError(&Error{Kind: KindTransportError, Message: "sign-in channel failed"}, err)))
		}
	}()
	fn()
}

// stamp returns a copy of s labelled with the reconciler's provider.
func (r *Reconciler) stamp(s *Session) *Session {
	copied := *s
	if copied.Provider == "" {
		copied.Provider = r.provider
	}
	return &copied
}

func (r *Reconciler) logger(a *Attempt) *log.Entry {
	return log.WithFields(log.Fields{
		"attempt_id": shortID(a.ID),
		"provider":   r.provider,
	})
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
