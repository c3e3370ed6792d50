package signin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/router-for-me/signin-handoff/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const authURL = "https://backend.example.com/auth/v1/authorize?provider=google"

type harness struct {
	reconciler *Reconciler
	browser    *fakeBrowser
	hub        *fakeHub
	probe      *fakeProbe
	committer  *fakeCommitter
	clock      *testutil.ManualClock
}

func newHarness(opts Options) *harness {
	h := &harness{
		browser:   newFakeBrowser(),
		hub:       newFakeHub(),
		probe:     &fakeProbe{},
		committer: &fakeCommitter{},
		clock:     testutil.NewManualClock(time.Unix(1_700_000_000, 0)),
	}
	if opts.Clock == nil {
		opts.Clock = h.clock
	}
	if opts.NoPayloadProbeDelay == 0 {
		opts.NoPayloadProbeDelay = -1
	}
	h.reconciler = NewReconciler("google", Dependencies{
		Browser:   h.browser,
		DeepLinks: h.hub,
		Probe:     h.probe,
		Committer: h.committer,
	}, opts)
	return h
}

func (h *harness) start(ctx context.Context) <-chan Outcome {
	out := make(chan Outcome, 1)
	go func() { out <- h.reconciler.Start(ctx, authURL) }()
	return out
}

// waitArmed blocks until the attempt subscribed to deep links and opened the browser.
func (h *harness) waitArmed(t *testing.T, opens int32) {
	t.Helper()
	require.Eventually(t, func() bool {
		return h.hub.Subscribers() == 1 && h.browser.opens.Load() == opens && h.browser.openActive.Load() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func awaitOutcome(t *testing.T, ch <-chan Outcome) Outcome {
	t.Helper()
	select {
	case out := <-ch:
		return out
	case <-time.After(2 * time.Second):
		t.Fatal("attempt did not finish")
		return Outcome{}
	}
}

func TestDeepLinkCredentialsWinOverLaterBrowserError(t *testing.T) {
	h := newHarness(Options{})
	h.browser.dismissResult = true
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.hub.Emit("myapp://auth/callback#access_token=abc&refresh_token=xyz")
	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback?error=access_denied"}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, "abc", out.Session.AccessToken)
	assert.Equal(t, "xyz", out.Session.RefreshToken)
	assert.Equal(t, "google", out.Session.Provider)
	assert.NotEmpty(t, out.AttemptID)
	assert.Equal(t, int32(1), h.committer.calls.Load())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
	assert.Equal(t, int32(1), h.browser.dismisses.Load())
	assert.Zero(t, h.probe.calls.Load())
	assert.Zero(t, h.clock.Waiters())
}

func TestBrowserCredentialsWinOverDeepLinkDuringCommit(t *testing.T) {
	h := newHarness(Options{})
	h.committer.release = make(chan struct{})
	h.committer.entered = make(chan struct{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback#access_token=abc&refresh_token=xyz"}
	<-h.committer.entered

	h.hub.Emit("myapp://auth/callback?error=access_denied&error_description=denied")
	close(h.committer.release)

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, "abc", out.Session.AccessToken)
	assert.Equal(t, int32(1), h.committer.calls.Load())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
}

func TestDismissPollsUntilSessionAppears(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Second, PollMaxAttempts: 30})
	h.probe.answer = func(call int) (*Session, error) {
		if call < 3 {
			return nil, nil
		}
		return &Session{AccessToken: "polled", UserID: "u"}, nil
	}
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserDismiss}
	for i := 0; i < 3; i++ {
		h.clock.BlockUntilWaiters(1)
		h.clock.Advance(time.Second)
	}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, "polled", out.Session.AccessToken)
	assert.Equal(t, int32(3), h.probe.calls.Load())
	assert.Zero(t, h.committer.calls.Load())

	h.clock.Advance(10 * time.Second)
	assert.Equal(t, int32(3), h.probe.calls.Load())
	assert.Zero(t, h.clock.Waiters())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
}

func TestPollingProbeErrorsAreRetried(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Second, PollMaxAttempts: 5})
	h.probe.answer = func(call int) (*Session, error) {
		if call == 1 {
			return nil, errors.New("network down")
		}
		return &Session{AccessToken: "late"}, nil
	}
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserDismiss}
	for i := 0; i < 2; i++ {
		h.clock.BlockUntilWaiters(1)
		h.clock.Advance(time.Second)
	}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, int32(2), h.probe.calls.Load())
}

func TestDismissWithoutSessionTimesOut(t *testing.T) {
	h := newHarness(Options{PollInterval: time.Second, PollMaxAttempts: 3})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserDismiss}
	for i := 0; i < 3; i++ {
		h.clock.BlockUntilWaiters(1)
		h.clock.Advance(time.Second)
	}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeTimedOut, out.Kind)
	assert.True(t, IsKind(out.Err, KindTimeout))
	assert.Equal(t, int32(3), h.probe.calls.Load())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
	assert.Zero(t, h.hub.Subscribers())

	h.hub.Emit("myapp://auth/callback#access_token=abc&refresh_token=xyz")
	assert.Zero(t, h.committer.calls.Load())
}

func TestNewAttemptSupersedesLiveAttempt(t *testing.T) {
	h := newHarness(Options{})
	first := h.start(context.Background())
	h.waitArmed(t, 1)
	firstAttempt := h.reconciler.Active()
	require.NotNil(t, firstAttempt)

	second := h.start(context.Background())

	outA := awaitOutcome(t, first)
	assert.Equal(t, OutcomeCancelled, outA.Kind)
	assert.Equal(t, firstAttempt.ID, outA.AttemptID)
	assert.Equal(t, StateCancelled, firstAttempt.State())

	h.waitArmed(t, 2)
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback#access_token=b&refresh_token=b2"}
	outB := awaitOutcome(t, second)
	require.Equal(t, OutcomeSignedIn, outB.Kind)
	assert.NotEqual(t, outA.AttemptID, outB.AttemptID)
	assert.Equal(t, "b", outB.Session.AccessToken)
	assert.Equal(t, int32(2), h.hub.unsubscribes.Load())
}

func TestCallerContextCancelsAttempt(t *testing.T) {
	h := newHarness(Options{})
	ctx, cancel := context.WithCancel(context.Background())
	done := h.start(ctx)
	h.waitArmed(t, 1)

	cancel()

	out := awaitOutcome(t, done)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Nil(t, out.Err)
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
	assert.Nil(t, h.reconciler.Active())
}

func TestCancelIsIdempotent(t *testing.T) {
	h := newHarness(Options{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	assert.True(t, h.reconciler.Cancel())
	out := awaitOutcome(t, done)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.False(t, h.reconciler.Cancel())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
}

func TestBrowserCancelOutcome(t *testing.T) {
	h := newHarness(Options{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserCancel}

	out := awaitOutcome(t, done)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Zero(t, h.probe.calls.Load())
}

func TestProviderErrorReason(t *testing.T) {
	h := newHarness(Options{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.hub.Emit("myapp://auth/callback?error=access_denied&error_description=User+denied")

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, "User denied", out.Reason())
	assert.True(t, IsKind(out.Err, KindProviderError))
	assert.Zero(t, h.committer.calls.Load())
}

func TestDeepLinkOutsideCallbackPathIsIgnored(t *testing.T) {
	h := newHarness(Options{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.hub.Emit("myapp://settings#access_token=abc&refresh_token=xyz")
	assert.Equal(t, StateAwaitingSignal, h.reconciler.Active().State())

	h.reconciler.Cancel()
	out := awaitOutcome(t, done)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Zero(t, h.committer.calls.Load())
}

func TestBrowserSuccessWithoutPayloadProbesOnce(t *testing.T) {
	h := newHarness(Options{})
	h.probe.answer = func(int) (*Session, error) {
		return &Session{AccessToken: "existing"}, nil
	}
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback"}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, "existing", out.Session.AccessToken)
	assert.Equal(t, int32(1), h.probe.calls.Load())
	assert.Zero(t, h.committer.calls.Load())
}

func TestBrowserSuccessWaitsProbeDelay(t *testing.T) {
	h := newHarness(Options{NoPayloadProbeDelay: time.Second})
	h.probe.answer = func(int) (*Session, error) {
		return &Session{AccessToken: "existing"}, nil
	}
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback"}
	h.clock.BlockUntilWaiters(1)
	assert.Zero(t, h.probe.calls.Load())
	h.clock.Advance(time.Second)

	out := awaitOutcome(t, done)
	assert.Equal(t, OutcomeSignedIn, out.Kind)
	assert.Equal(t, int32(1), h.probe.calls.Load())
}

func TestNoPayloadAndNoSessionFails(t *testing.T) {
	h := newHarness(Options{})
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback?code=only"}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, IsKind(out.Err, KindTransportError))
	assert.Equal(t, ErrNoCredentials.Message, out.Reason())
}

func TestNoPayloadProbeErrorFails(t *testing.T) {
	h := newHarness(Options{})
	h.probe.answer = func(int) (*Session, error) { return nil, errors.New("sdk offline") }
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.browser.results <- BrowserResult{Type: BrowserSuccess, URL: "myapp://auth/callback"}

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, ErrSessionProbe.Message, out.Reason())
	assert.ErrorContains(t, out.Err, "sdk offline")
}

func TestCommitFailure(t *testing.T) {
	h := newHarness(Options{})
	rejected := errors.New("invalid refresh token")
	h.committer.err = rejected
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.hub.Emit("myapp://auth/callback#access_token=abc&refresh_token=bad")

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, IsKind(out.Err, KindSessionCommit))
	assert.ErrorIs(t, out.Err, rejected)
}

func TestBrowserLaunchError(t *testing.T) {
	h := newHarness(Options{})
	h.browser.openErr = errors.New("no display")
	done := h.start(context.Background())

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.Equal(t, ErrBrowserLaunch.Message, out.Reason())
	assert.Equal(t, int32(1), h.hub.unsubscribes.Load())
}

func TestMissingBrowserFails(t *testing.T) {
	r := NewReconciler("github", Dependencies{}, Options{})
	out := r.Start(context.Background(), authURL)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, IsKind(out.Err, KindTransportError))
}

func TestPanickingCommitterBecomesFailure(t *testing.T) {
	h := newHarness(Options{})
	h.reconciler.deps.Committer = panicCommitter{}
	done := h.start(context.Background())
	h.waitArmed(t, 1)

	h.hub.Emit("myapp://auth/callback#access_token=abc&refresh_token=xyz")

	out := awaitOutcome(t, done)
	require.Equal(t, OutcomeFailed, out.Kind)
	assert.True(t, IsKind(out.Err, KindSessionCommit))
	assert.ErrorContains(t, out.Err, "collaborator panic")
}

type panicCommitter struct{}

func (panicCommitter) Commit(context.Context, string, string) (*Session, error) {
	panic("boom")
}

func TestAttemptCleanupRunsOnce(t *testing.T) {
	a := newAttempt(context.Background(), "attempt-1", authURL, time.Now())
	unsubscribes := 0
	a.attachSubscription(func() { unsubscribes++ })
	poller := NewPoller(nil, time.Second, 1)
	require.True(t, a.armPoller(poller))

	assert.True(t, a.finish(cancelled()))
	assert.False(t, a.finish(failed(errors.New("late"))))
	a.cleanup()

	out, ok := a.Outcome()
	require.True(t, ok)
	assert.Equal(t, OutcomeCancelled, out.Kind)
	assert.Equal(t, "attempt-1", out.AttemptID)
	assert.Equal(t, 1, unsubscribes)
	assert.True(t, poller.isStopped())
	assert.Error(t, a.ctx.Err())

	a.attachSubscription(func() { unsubscribes++ })
	assert.Equal(t, 2, unsubscribes)
	assert.False(t, a.armPoller(NewPoller(nil, time.Second, 1)))
	a.setState(StateResolving)
	assert.Equal(t, StateCancelled, a.State())
}

func TestAttemptOutcomeNotReadyBeforeFinish(t *testing.T) {
	a := newAttempt(context.Background(), "attempt-2", authURL, time.Now())
	_, ok := a.Outcome()
	assert.False(t, ok)
	assert.Equal(t, StateIdle, a.State())
	assert.False(t, a.State().Terminal())
}

func TestOutcomeKindStrings(t *testing.T) {
	assert.Equal(t, "signed_in", OutcomeSignedIn.String())
	assert.Equal(t, "cancelled", OutcomeCancelled.String())
	assert.Equal(t, "timed_out", OutcomeTimedOut.String())
	assert.Equal(t, "failed", OutcomeFailed.String())
	assert.Equal(t, "awaitingSignal", StateAwaitingSignal.String())
	assert.Equal(t, "timedOut", StateTimedOut.String())
}
