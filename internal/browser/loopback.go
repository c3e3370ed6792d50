package browser

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/signin-handoff/internal/logging"
	log "github.com/sirupsen/logrus"
)

const (
	defaultCallbackRoute = "/auth/callback"
	relayRoute           = "/auth/relay"
	cancelRoute          = "/auth/cancel"
	successRoute         = "/success"
	maxRelayBodySize     = 16 << 10
)

// LoopbackServer receives the provider redirect on 127.0.0.1. Query-string
// callbacks are delivered directly. Fragment callbacks never reach the
// server, so the callback route serves a relay page that posts
// location.href back to /auth/relay.
type LoopbackServer struct {
	port          int
	callbackRoute string

	mu       sync.Mutex
	server   *http.Server
	listener net.Listener
	running  bool

	callbacks chan string
	cancels   chan struct{}
	errors    chan error
}

// NewLoopbackServer creates a server for port serving the redirect on
// callbackPath ("auth/callback" when empty). Port 0 picks a free port on Start.
func NewLoopbackServer(port int, callbackPath string) *LoopbackServer {
	route := defaultCallbackRoute
	if trimmed := strings.Trim(strings.TrimSpace(callbackPath), "/"); trimmed != "" {
		route = "/" + trimmed
	}
	return &LoopbackServer{
		port:          port,
		callbackRoute: route,
		callbacks:     make(chan string, 1),
		cancels:       make(chan struct{}, 1),
		errors:        make(chan error, 1),
	}
}

// Start begins listening. It fails when the port is in use.
func (s *LoopbackServer) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("loopback server is already running")
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", s.port, err)
	}
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port

	s.server = &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}
	s.running = true

	go func(server *http.Server) {
		if errServe := server.Serve(listener); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			select {
			case s.errors <- fmt.Errorf("loopback server failed: %w", errServe):
			default:
			}
		}
	}(s.server)

	log.Debugf("loopback callback server listening on %s", listener.Addr())
	return nil
}

// Stop shuts the server down. It is safe to call when not running.
func (s *LoopbackServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running || s.server == nil {
		return nil
	}
	log.Debug("stopping loopback callback server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := s.server.Shutdown(shutdownCtx)
	s.running = false
	s.server = nil
	s.listener = nil
	return err
}

// Port returns the port the server listens on.
func (s *LoopbackServer) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// CallbackURL is the redirect target providers should send the browser to.
func (s *LoopbackServer) CallbackURL() string {
	return fmt.Sprintf("http://127.0.0.1:%d%s", s.Port(), s.callbackRoute)
}

// IsRunning reports whether the server is listening.
func (s *LoopbackServer) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Callbacks delivers full callback URLs.
func (s *LoopbackServer) Callbacks() <-chan string { return s.callbacks }

// Cancels fires when the user abandons sign-in from the browser.
func (s *LoopbackServer) Cancels() <-chan struct{} { return s.cancels }

// Errors reports a failed Serve loop.
func (s *LoopbackServer) Errors() <-chan error { return s.errors }

func (s *LoopbackServer) routes() http.Handler {
	engine := gin.New()
	engine.Use(logging.GinLogrusLogger(), logging.GinLogrusRecovery())
	engine.GET(s.callbackRoute, s.handleCallback)
	engine.POST(relayRoute, s.handleRelay)
	engine.GET(cancelRoute, s.handleCancel)
	engine.GET(successRoute, s.handleSuccess)
	return engine
}

func (s *LoopbackServer) handleCallback(c *gin.Context) {
	if c.Request.URL.RawQuery == "" {
		// Tokens may be in the fragment, which only the page can see.
		c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(relayHTML))
		return
	}
	s.deliver(s.absolute(c.Request.URL))
	c.Redirect(http.StatusFound, successRoute)
}

func (s *LoopbackServer) handleRelay(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRelayBodySize))
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	href := strings.TrimSpace(string(body))
	parsed, err := url.Parse(href)
	if err != nil || parsed.Path != s.callbackRoute || !isLoopbackHost(parsed.Hostname()) {
		log.Warn("loopback relay rejected a URL outside the callback route")
		c.Status(http.StatusBadRequest)
		return
	}
	s.deliver(href)
	c.Status(http.StatusNoContent)
}

func (s *LoopbackServer) handleCancel(c *gin.Context) {
	select {
	case s.cancels <- struct{}{}:
	default:
	}
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(cancelledHTML))
}

func (s *LoopbackServer) handleSuccess(c *gin.Context) {
	c.Data(http.StatusOK, "text/html; charset=utf-8", []byte(successHTML))
}

func (s *LoopbackServer) deliver(callbackURL string) {
	select {
	case s.callbacks <- callbackURL:
		log.Debug("loopback callback delivered")
	default:
		log.Warn("loopback callback already pending; dropping duplicate")
	}
}

func (s *LoopbackServer) absolute(u *url.URL) string {
	copied := *u
	copied.Scheme = "http"
	copied.Host = fmt.Sprintf("127.0.0.1:%d", s.Port())
	return copied.String()
}

func isLoopbackHost(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

const relayHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Completing sign-in</title></head>
<body>
<p>Completing sign-in&hellip;</p>
<script>
fetch("/auth/relay", {method: "POST", headers: {"Content-Type": "text/plain"}, body: window.location.href})
  .finally(function () { window.location.replace("/success"); });
</script>
</body></html>`

const successHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Signed in</title></head>
<body><h1>Sign-in received</h1><p>You can close this window and return to the terminal.</p></body></html>`

const cancelledHTML = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>Sign-in cancelled</title></head>
<body><h1>Sign-in cancelled</h1><p>You can close this window.</p></body></html>`
