// Package deeplink delivers links that the operating system routes to the
// application. Sources (the spool directory written by `handoff open-url`
// and the development relay) feed a Hub, and sign-in attempts subscribe to
// the Hub for the lifetime of the attempt.
package deeplink

import (
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
)

// Hub fans deep links out to every current subscriber.
type Hub struct {
	mu       sync.RWMutex
	nextID   uint64
	handlers map[uint64]func(string)
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{handlers: make(map[uint64]func(string))}
}

// Subscribe registers handler. The returned function removes it and is safe
// to call more than once.
func (h *Hub) Subscribe(handler func(url string)) func() {
	if handler == nil {
		return func() {}
	}
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.handlers[id] = handler
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.handlers, id)
			h.mu.Unlock()
		})
	}
}

// Subscribers returns the number of registered handlers.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.handlers)
}

// Dispatch hands url to every subscriber on the calling goroutine and
// returns how many received it.
func (h *Hub) Dispatch(url string) int {
	url = strings.TrimSpace(url)
	if url == "" {
		return 0
	}
	h.mu.RLock()
	handlers := make([]func(string), 0, len(h.handlers))
	for _, handler := range h.handlers {
		handlers = append(handlers, handler)
	}
	h.mu.RUnlock()

	if len(handlers) == 0 {
		log.Debug("deep link received with no subscribers; dropping")
		return 0
	}
	for _, handler := range handlers {
		handler(url)
	}
	return len(handlers)
}
