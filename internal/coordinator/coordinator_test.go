package coordinator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/post-sync/post/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.DataDir = t.TempDir()
	cfg.Network.Port = 18412
	return cfg
}

func TestNewWiresComponentsWithoutError(t *testing.T) {
	cfg := testConfig(t)
	c, code, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, ExitClean, code)
	require.NotNil(t, c)
	require.NoError(t, c.identityStore.Close())
}

func TestNewReturnsIdentityLockedWhenDataDirAlreadyHeld(t *testing.T) {
	cfg := testConfig(t)
	first, code, err := New(cfg)
	require.NoError(t, err)
	require.Equal(t, ExitClean, code)
	defer first.identityStore.Close()

	_, code2, err2 := New(cfg)
	require.Error(t, err2)
	require.Equal(t, ExitIdentityLocked, code2)
}

func TestWaitForOverlaySkipsCheckWhenUnconfigured(t *testing.T) {
	cfg := testConfig(t)
	c, _, err := New(cfg)
	require.NoError(t, err)
	defer c.identityStore.Close()

	code, err := c.waitForOverlay(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitClean, code)
}

func TestWaitForOverlaySucceedsOnFirstReachableFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"Self":{"ID":"self"},"Peer":{}}`))
	}))
	defer ts.Close()

	cfg := testConfig(t)
	cfg.Network.OverlayBaseURL = ts.URL
	c, _, err := New(cfg)
	require.NoError(t, err)
	defer c.identityStore.Close()

	code, err := c.waitForOverlay(context.Background())
	require.NoError(t, err)
	require.Equal(t, ExitClean, code)
}

func TestWaitForOverlayReturnsExitOverlayAtStartPastGrace(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	ts.Close() // closed immediately: every fetch fails

	cfg := testConfig(t)
	cfg.Network.OverlayBaseURL = ts.URL
	c, _, err := New(cfg)
	require.NoError(t, err)
	defer c.identityStore.Close()
	c.overlayGrace = 30 * time.Millisecond
	c.overlayInterval = 5 * time.Millisecond

	code, err := c.waitForOverlay(context.Background())
	require.Error(t, err)
	require.Equal(t, ExitOverlayAtStart, code)
}

func TestRunShutsDownCleanlyOnContextCancel(t *testing.T) {
	cfg := testConfig(t)
	c, _, err := New(cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	code, err := c.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, ExitClean, code)
}
