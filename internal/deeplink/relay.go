package deeplink

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	relayHandshakeTimeout = 10 * time.Second
	relayMaxMessageLen    = 64 << 10
	relayMinBackoff       = time.Second
	relayMaxBackoff       = 30 * time.Second
)

// RelaySource receives deep links forwarded by a development tool over a
// websocket. Each text message is either a bare URL or JSON carrying a
// "url" field.
type RelaySource struct {
	url    string
	hub    *Hub
	dialer *websocket.Dialer
	header http.Header
}

// NewRelaySource creates a source dialing relayURL. dialer may be nil.
func NewRelaySource(relayURL string, hub *Hub, dialer *websocket.Dialer) *RelaySource {
	if dialer == nil {
		dialer = &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: relayHandshakeTimeout,
		}
	}
	return &RelaySource{
		url:    strings.TrimSpace(relayURL),
		hub:    hub,
		dialer: dialer,
		header: http.Header{},
	}
}

// Run keeps a relay connection open until ctx is done, reconnecting with
// exponential backoff. It returns nil on cancellation.
func (s *RelaySource) Run(ctx context.Context) error {
	if s.url == "" {
		return fmt.Errorf("deeplink: relay url is empty")
	}
	backoff := relayMinBackoff
	for {
		connected, err := s.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if connected {
			backoff = relayMinBackoff
		}
		log.Debugf("deep-link relay disconnected: %v; retrying in %s", err, backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > relayMaxBackoff {
			backoff = relayMaxBackoff
		}
	}
}

// session runs one connection and reports whether the dial succeeded.
func (s *RelaySource) session(ctx context.Context) (bool, error) {
	conn, resp, err := s.dialer.DialContext(ctx, s.url, s.header)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		return false, fmt.Errorf("dial relay: %w", err)
	}
	conn.SetReadLimit(relayMaxMessageLen)
	log.Debugf("deep-link relay connected: %s", s.url)

	closed := make(chan struct{})
	defer close(closed)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
		case <-closed:
			_ = conn.Close()
		}
	}()

	for {
		messageType, data, errRead := conn.ReadMessage()
		if errRead != nil {
			return true, errRead
		}
		if messageType != websocket.TextMessage {
			continue
		}
		if link := relayLink(data); link != "" {
			s.hub.Dispatch(link)
		}
	}
}

func relayLink(data []byte) string {
	trimmed := strings.TrimSpace(string(data))
	if strings.HasPrefix(trimmed, "{") && gjson.Valid(trimmed) {
		return strings.TrimSpace(gjson.Get(trimmed, "url").String())
	}
	return trimmed
}
