package signin

import (
	"context"
	"sync"
	"sync/atomic"
)

type fakeBrowser struct {
	results chan BrowserResult
	openErr error

	opens      atomic.Int32
	openActive atomic.Int32
	dismisses  atomic.Int32
	// dismissResult makes Dismiss resolve the pending Open with BrowserDismiss.
	dismissResult bool
}

func newFakeBrowser() *fakeBrowser {
	return &fakeBrowser{results: make(chan BrowserResult, 4)}
}

func (b *fakeBrowser) Open(ctx context.Context, _ string) (BrowserResult, error) {
	b.opens.Add(1)
	b.openActive.Add(1)
	defer b.openActive.Add(-1)
	if b.openErr != nil {
		return BrowserResult{}, b.openErr
	}
	select {
	case <-ctx.Done():
		return BrowserResult{Type: BrowserDismiss}, ctx.Err()
	case res := <-b.results:
		return res, nil
	}
}

func (b *fakeBrowser) Dismiss(context.Context) error {
	b.dismisses.Add(1)
	if b.dismissResult {
		select {
		case b.results <- BrowserResult{Type: BrowserDismiss}:
		default:
		}
	}
	return nil
}

type fakeHub struct {
	mu           sync.Mutex
	nextID       int
	handlers     map[int]func(string)
	unsubscribes atomic.Int32
}

func newFakeHub() *fakeHub {
	return &fakeHub{handlers: make(map[int]func(string))}
}

func (h *fakeHub) Subscribe(handler func(string)) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	var once sync.Once
	return func() {
		once.Do(func() {
			h.unsubscribes.Add(1)
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

func (h *fakeHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.handlers)
}

// Emit delivers url synchronously to every current subscriber.
func (h *fakeHub) Emit(url string) {
	h.mu.Lock()
	handlers := make([]func(string), 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.Unlock()
	for _, handler := range handlers {
		handler(url)
	}
}

type fakeProbe struct {
	calls atomic.Int32
	// answer is consulted with the 1-based call number.
	answer func(call int) (*Session, error)
}

func (p *fakeProbe) CurrentSession(context.Context) (*Session, error) {
	n := int(p.calls.Add(1))
	if p.answer == nil {
		return nil, nil
	}
	return p.answer(n)
}

type fakeCommitter struct {
	calls   atomic.Int32
	release chan struct{}
	entered chan struct{}
	err     error
}

func (c *fakeCommitter) Commit(ctx context.Context, accessToken, refreshToken string) (*Session, error) {
	c.calls.Add(1)
	if c.entered != nil {
		close(c.entered)
	}
	if c.release != nil {
		select {
		case <-c.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if c.err != nil {
		return nil, c.err
	}
	return &Session{AccessToken: accessToken, RefreshToken: refreshToken, UserID: "user-1"}, nil
}
