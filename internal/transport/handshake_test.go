package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/post-sync/post/internal/posterr"
)

func newHandshakeServer(t *testing.T, self SelfInfo, trust TrustStore) (*httptest.Server, *memSessionStore) {
	t.Helper()
	sessions := newMemSessionStore()
	srv := NewServer(ServerConfig{
		Self:     self,
		Trust:    trust,
		Sessions: sessions,
		Inbox:    &memInbox{},
		Latest:   &memLatest{},
	})
	return httptest.NewServer(srv.Handler()), sessions
}

func TestHandshakeEstablishesMatchingSessionKeys(t *testing.T) {
	initiator, err := newSelfInfo("node-a")
	require.NoError(t, err)
	responder, err := newSelfInfo("node-b")
	require.NoError(t, err)

	ts, sessions := newHandshakeServer(t, responder, newMemTrustStore())
	defer ts.Close()

	client := NewClient(initiator, 5*time.Second)
	session, peerID, err := client.InitiateHandshake(context.Background(), ts.URL, newMemTrustStore())
	require.NoError(t, err)
	require.Equal(t, "node-b", peerID)

	installed, ok := sessions.SessionFor("node-a")
	require.True(t, ok)
	require.Equal(t, session.SharedKey, installed.SharedKey)
}

func TestHandshakeRejectsChangedSigningKey(t *testing.T) {
	initiator, err := newSelfInfo("node-a")
	require.NoError(t, err)
	responder, err := newSelfInfo("node-b")
	require.NoError(t, err)

	ts, _ := newHandshakeServer(t, responder, newMemTrustStore())
	defer ts.Close()

	initiatorTrust := newMemTrustStore()
	client := NewClient(initiator, 5*time.Second)

	_, _, err = client.InitiateHandshake(context.Background(), ts.URL, initiatorTrust)
	require.NoError(t, err)

	impostor, err := newSelfInfo("node-b")
	require.NoError(t, err)
	impostorTS, _ := newHandshakeServer(t, impostor, newMemTrustStore())
	defer impostorTS.Close()

	_, _, err = client.InitiateHandshake(context.Background(), impostorTS.URL, initiatorTrust)
	require.Error(t, err)
}

func TestHandshakeInitiateReturnsTimeoutSentinelOnDeadline(t *testing.T) {
	initiator, err := newSelfInfo("node-a")
	require.NoError(t, err)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, _, err = Initiate(ctx, ts.Client(), ts.URL, initiator, newMemTrustStore())
	require.Error(t, err)
	require.ErrorIs(t, err, posterr.ErrHandshakeTimeout)
}

func TestStatusEndpointReportsSelf(t *testing.T) {
	self, err := newSelfInfo("node-a")
	require.NoError(t, err)
	ts, _ := newHandshakeServer(t, self, newMemTrustStore())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
