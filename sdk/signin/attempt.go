package signin

import (
	"context"
	"sync"
	"time"
)

// State is the lifecycle position of an Attempt.
type State int

const (
	StateIdle State = iota
	StateBrowserOpen
	StateAwaitingSignal
	StateResolving
	StateCompleted
	StateCancelled
	StateTimedOut
	StateFailed
)

// String returns the camel-case state name used in logs.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBrowserOpen:
		return "browserOpen"
	case StateAwaitingSignal:
		return "awaitingSignal"
	case StateResolving:
		return "resolving"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateTimedOut:
		return "timedOut"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool {
	return s >= StateCompleted
}

func terminalState(kind OutcomeKind) State {
	switch kind {
	case OutcomeSignedIn:
		return StateCompleted
	case OutcomeCancelled:
		return StateCancelled
	case OutcomeTimedOut:
		return StateTimedOut
	default:
		return StateFailed
	}
}

// Attempt is one in-flight external sign-in. It is owned by the Reconciler
// that created it and owns the deep-link subscription and poll timer armed
// on its behalf.
type Attempt struct {
	ID               string
	AuthorizationURL string
	StartedAt        time.Time

	guard Guard

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	state       State
	outcome     Outcome
	poller      *Poller
	unsubscribe func()

	finishOnce  sync.Once
	cleanupOnce sync.Once
	done        chan struct{}
}

func newAttempt(parent context.Context, id, authorizationURL string, startedAt time.Time) *Attempt {
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	return &Attempt{
		ID:               id,
		AuthorizationURL: authorizationURL,
		StartedAt:        startedAt,
		ctx:              ctx,
		cancel:           cancel,
		state:            StateIdle,
		done:             make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (a *Attempt) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the attempt reached a terminal state and cleanup ran.
func (a *Attempt) Done() <-chan struct{} {
	return a.done
}

// Outcome returns the terminal outcome and whether it is available yet.
func (a *Attempt) Outcome() (Outcome, bool) {
	select {
	case <-a.done:
	default:
		return Outcome{}, false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outcome, true
}

func (a *Attempt) setState(next State) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return
	}
	a.state = next
}

// attachSubscription records the deep-link unsubscribe function. When the
// attempt already ended it is released immediately.
func (a *Attempt) attachSubscription(unsubscribe func()) {
	if unsubscribe == nil {
		return
	}
	a.mu.Lock()
	if a.state.Terminal() {
		a.mu.Unlock()
		unsubscribe()
		return
	}
	a.unsubscribe = unsubscribe
	a.mu.Unlock()
}

// armPoller records p as the attempt's poll timer; false when the attempt already ended.
func (a *Attempt) armPoller(p *Poller) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state.Terminal() {
		return false
	}
	a.poller = p
	return true
}

// finish records the terminal outcome. Only the first call has any effect.
func (a *Attempt) finish(outcome Outcome) bool {
	finished := false
	a.finishOnce.Do(func() {
		finished = true
		outcome.AttemptID = a.ID
		a.mu.Lock()
		a.state = terminalState(outcome.Kind)
		a.outcome = outcome
		a.mu.Unlock()
		a.cleanup()
		close(a.done)
	})
	return finished
}

// cleanup releases every resource armed for the attempt. It runs at most once
// and tolerates channels that were never armed.
func (a *Attempt) cleanup() {
	a.cleanupOnce.Do(func() {
		a.mu.Lock()
		poller := a.poller
		unsubscribe := a.unsubscribe
		a.poller = nil
		a.unsubscribe = nil
		a.mu.Unlock()

		if poller != nil {
			poller.Stop()
		}
		if unsubscribe != nil {
			unsubscribe()
		}
		a.cancel()
	})
}
