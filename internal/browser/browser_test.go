package browser

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/router-for-me/signin-handoff/sdk/signin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

var noRedirect = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	Timeout:       2 * time.Second,
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// openAsync runs Open and reports the port once the loopback server listens.
func openAsync(ctx context.Context, t *testing.T, l *Launcher) (<-chan signin.BrowserResult, <-chan error, int) {
	t.Helper()
	results := make(chan signin.BrowserResult, 1)
	errs := make(chan error, 1)
	go func() {
		res, err := l.Open(ctx, "https://accounts.example.com/authorize")
		results <- res
		errs <- err
	}()
	var port int
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		if l.server == nil || !l.server.IsRunning() {
			return false
		}
		port = l.server.Port()
		return true
	}, 2*time.Second, 5*time.Millisecond)
	return results, errs, port
}

func testLauncher(opts LauncherOptions) (*Launcher, *[]string) {
	var opened []string
	var mu sync.Mutex
	if opts.Opener == nil {
		opts.Opener = func(url string) error {
			mu.Lock()
			defer mu.Unlock()
			opened = append(opened, url)
			return nil
		}
	}
	if opts.Available == nil {
		opts.Available = func() bool { return true }
	}
	if opts.Out == nil {
		opts.Out = &syncBuffer{}
	}
	return NewLauncher(opts), &opened
}

func TestLauncherQueryCallbackResolvesSuccess(t *testing.T) {
	l, opened := testLauncher(LauncherOptions{})
	results, errs, port := openAsync(context.Background(), t, l)

	resp, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/auth/callback?access_token=a&refresh_token=b", port))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/success", resp.Header.Get("Location"))

	res := <-results
	require.NoError(t, <-errs)
	assert.Equal(t, signin.BrowserSuccess, res.Type)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/auth/callback?access_token=a&refresh_token=b", port), res.URL)
	assert.Equal(t, []string{"https://accounts.example.com/authorize"}, *opened)
}

func TestLauncherFragmentCallbackUsesRelay(t *testing.T) {
	l, _ := testLauncher(LauncherOptions{})
	results, errs, port := openAsync(context.Background(), t, l)
	base := fmt.Sprintf("http://127.0.0.1:%d", port)

	page, err := noRedirect.Get(base + "/auth/callback")
	require.NoError(t, err)
	_ = page.Body.Close()
	assert.Equal(t, http.StatusOK, page.StatusCode)

	rejected, err := noRedirect.Post(base+"/auth/relay", "text/plain", strings.NewReader("https://evil.example/auth/callback#access_token=x"))
	require.NoError(t, err)
	_ = rejected.Body.Close()
	assert.Equal(t, http.StatusBadRequest, rejected.StatusCode)

	href := base + "/auth/callback#access_token=a&refresh_token=b"
	relayed, err := noRedirect.Post(base+"/auth/relay", "text/plain", strings.NewReader(href))
	require.NoError(t, err)
	_ = relayed.Body.Close()
	assert.Equal(t, http.StatusNoContent, relayed.StatusCode)

	res := <-results
	require.NoError(t, <-errs)
	assert.Equal(t, signin.BrowserSuccess, res.Type)
	assert.Equal(t, href, res.URL)
}

func TestLauncherCancelRoute(t *testing.T) {
	l, _ := testLauncher(LauncherOptions{})
	results, errs, port := openAsync(context.Background(), t, l)

	resp, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/auth/cancel", port))
	require.NoError(t, err)
	_ = resp.Body.Close()

	assert.Equal(t, signin.BrowserCancel, (<-results).Type)
	assert.NoError(t, <-errs)
}

func TestLauncherSessionTimeoutDismisses(t *testing.T) {
	l, _ := testLauncher(LauncherOptions{SessionTimeout: 50 * time.Millisecond})
	results, errs, _ := openAsync(context.Background(), t, l)

	assert.Equal(t, signin.BrowserDismiss, (<-results).Type)
	assert.NoError(t, <-errs)
	require.Eventually(t, func() bool {
		l.mu.Lock()
		defer l.mu.Unlock()
		return l.server == nil
	}, time.Second, 5*time.Millisecond)
}

func TestLauncherDismissStopsServer(t *testing.T) {
	l, _ := testLauncher(LauncherOptions{})
	results, errs, port := openAsync(context.Background(), t, l)

	require.NoError(t, l.Dismiss(context.Background()))
	assert.Equal(t, signin.BrowserDismiss, (<-results).Type)
	assert.NoError(t, <-errs)

	_, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/success", port))
	assert.Error(t, err)
	assert.NoError(t, l.Dismiss(context.Background()))
}

func TestLauncherContextCancel(t *testing.T) {
	l, _ := testLauncher(LauncherOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	results, errs, _ := openAsync(ctx, t, l)

	cancel()
	assert.Equal(t, signin.BrowserCancel, (<-results).Type)
	assert.ErrorIs(t, <-errs, context.Canceled)
}

func TestLauncherPrintsURLWhenBrowserFails(t *testing.T) {
	out := &syncBuffer{}
	l, _ := testLauncher(LauncherOptions{
		Out:    out,
		Opener: func(string) error { return errors.New("no display") },
	})
	results, _, _ := openAsync(context.Background(), t, l)
	require.NoError(t, l.Dismiss(context.Background()))
	<-results

	assert.Contains(t, out.String(), "Visit the following URL to continue sign-in:\nhttps://accounts.example.com/authorize")
}

func TestLauncherNoBrowserSkipsOpener(t *testing.T) {
	out := &syncBuffer{}
	l, opened := testLauncher(LauncherOptions{NoBrowser: true, Out: out})
	results, _, _ := openAsync(context.Background(), t, l)
	require.NoError(t, l.Dismiss(context.Background()))
	<-results

	assert.Empty(t, *opened)
	assert.Contains(t, out.String(), "https://accounts.example.com/authorize")
}

func TestLoopbackServerRejectsSecondStart(t *testing.T) {
	s := NewLoopbackServer(0, "")
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Error(t, s.Start())
	assert.NotZero(t, s.Port())
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/auth/callback", s.Port()), s.CallbackURL())

	busy := NewLoopbackServer(s.Port(), "")
	assert.Error(t, busy.Start())
}

func TestLoopbackServerCustomCallbackPath(t *testing.T) {
	s := NewLoopbackServer(0, "/oauth/done/")
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })

	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/oauth/done", s.Port()), s.CallbackURL())

	resp, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/oauth/done?access_token=a&refresh_token=b", s.Port()))
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, fmt.Sprintf("http://127.0.0.1:%d/oauth/done?access_token=a&refresh_token=b", s.Port()), <-s.Callbacks())

	missing, err := noRedirect.Get(fmt.Sprintf("http://127.0.0.1:%d/auth/callback?access_token=a", s.Port()))
	require.NoError(t, err)
	_ = missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestIsLoopbackHost(t *testing.T) {
	assert.True(t, isLoopbackHost("127.0.0.1"))
	assert.True(t, isLoopbackHost("localhost"))
	assert.True(t, isLoopbackHost("::1"))
	assert.False(t, isLoopbackHost("example.com"))
}
