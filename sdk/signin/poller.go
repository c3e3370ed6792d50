package signin

import (
	"context"
	"sync"
	"time"
)

// Clock is the time source used for attempt timestamps and poll scheduling.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time                         { return time.Now() }
func (systemClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// SystemClock returns the wall clock.
func SystemClock() Clock { return systemClock{} }

// PollResult is how a Poller run ended.
type PollResult int

const (
	// PollFound means the probe reported success.
	PollFound PollResult = iota + 1
	// PollExhausted means every attempt ran without success.
	PollExhausted
	// PollStopped means Stop was called or the context ended first.
	PollStopped
)

// Poller runs a probe at a fixed interval for at most a fixed number of
// attempts, so the worst-case wait is interval * maxAttempts.
type Poller struct {
	clock       Clock
	interval    time.Duration
	maxAttempts int

	stopOnce sync.Once
	stopped  chan struct{}
}

// NewPoller builds a bounded poller. Non-positive values fall back to one attempt
// and a one second interval.
func NewPoller(clock Clock, interval time.Duration, maxAttempts int) *Poller {
	if clock == nil {
		clock = SystemClock()
	}
	if interval <= 0 {
		interval = time.Second
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &Poller{
		clock:       clock,
		interval:    interval,
		maxAttempts: maxAttempts,
		stopped:     make(chan struct{}),
	}
}

// Deadline returns the latest moment a run started at start can end.
func (p *Poller) Deadline(start time.Time) time.Time {
	return start.Add(p.interval * time.Duration(p.maxAttempts))
}

// Run waits one interval before every probe call. attempt counts from 1.
func (p *Poller) Run(ctx context.Context, probe func(ctx context.Context, attempt int) bool) PollResult {
	for attempt := 1; attempt <= p.maxAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return PollStopped
		case <-p.stopped:
			return PollStopped
		case <-p.clock.After(p.interval):
		}
		if p.isStopped() || ctx.Err() != nil {
			return PollStopped
		}
		if probe(ctx, attempt) {
			return PollFound
		}
	}
	if p.isStopped() {
		return PollStopped
	}
	return PollExhausted
}

// Stop cancels the run. It is safe to call more than once and before Run.
func (p *Poller) Stop() {
	p.stopOnce.Do(func() { close(p.stopped) })
}

func (p *Poller) isStopped() bool {
	select {
	case <-p.stopped:
		return true
	default:
		return false
	}
}
