package registry

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/overlay"
	"github.com/post-sync/post/internal/transport"
)

func newTestSelf(t *testing.T, nodeID string) transport.SelfInfo {
	t.Helper()
	agreement, err := crypto.GenerateAgreementKeypair()
	require.NoError(t, err)
	signing, err := crypto.GenerateSigningKeypair()
	require.NoError(t, err)
	return transport.SelfInfo{NodeID: nodeID, Agreement: agreement, Signing: signing}
}

func newTestTrustStore(t *testing.T) *TrustStore {
	t.Helper()
	ts, err := LoadTrustStore(t.TempDir())
	require.NoError(t, err)
	return ts
}

func TestReconcileAddsAndDropsPeersPastGrace(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, 10*time.Millisecond)

	t0 := time.Now()
	r.Reconcile(overlay.Snapshot{
		Self:  overlay.Node{ID: "A"},
		Peers: []overlay.Node{{ID: "B", Addresses: []string{"10.0.0.2"}}},
		At:    t0,
	})

	peers := r.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, "B", peers[0].NodeID)
	require.Equal(t, Discovered, peers[0].State)
	require.Equal(t, "http://10.0.0.2:8412", peers[0].OverlayAddress)

	// B absent from the next snapshot, but not yet past grace.
	r.Reconcile(overlay.Snapshot{Self: overlay.Node{ID: "A"}, At: t0})
	require.Len(t, r.Peers(), 1)

	// Past grace: B is dropped.
	r.Reconcile(overlay.Snapshot{Self: overlay.Node{ID: "A"}, At: t0.Add(20 * time.Millisecond)})
	require.Empty(t, r.Peers())
}

func TestReconcileIgnoresSelf(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)

	r.Reconcile(overlay.Snapshot{
		Self:  overlay.Node{ID: "A"},
		Peers: []overlay.Node{{ID: "A", Addresses: []string{"127.0.0.1"}}},
		At:    time.Now(),
	})
	require.Empty(t, r.Peers())
}

func TestApplyFailureDoublesBackoffAndCapsAt60s(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)

	p := &Peer{NodeID: "B", State: Discovered}
	r.mu.Lock()
	r.peers["B"] = p
	for i := 0; i < 8; i++ {
		r.applyFailureLocked(p)
	}
	r.mu.Unlock()

	require.Equal(t, Failed, p.State)
	require.LessOrEqual(t, time.Until(p.BackoffUntil), maxBackoff+time.Second)
	require.Greater(t, time.Until(p.BackoffUntil), maxBackoff-time.Second)
}

func TestInstallSessionMovesPeerToReady(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)

	session := transport.NewSession(make([]byte, crypto.KeySize), time.Now())
	r.InstallSession("B", session)

	got, ok := r.SessionFor("B")
	require.True(t, ok)
	require.Same(t, session, got)

	peers := r.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, Ready, peers[0].State)
}

func TestNoteDecryptFailureDropsSessionAtThreshold(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)

	session := transport.NewSession(make([]byte, crypto.KeySize), time.Now())
	r.InstallSession("B", session)

	for i := 0; i < decryptFailureThreshold-1; i++ {
		r.NoteDecryptFailure("B")
		_, ok := r.SessionFor("B")
		require.True(t, ok)
	}
	r.NoteDecryptFailure("B")

	_, ok := r.SessionFor("B")
	require.False(t, ok)
	peers := r.Peers()
	require.Equal(t, Discovered, peers[0].State)
}

func TestDropAllSessionsResetsToDiscovered(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)
	r.InstallSession("B", transport.NewSession(make([]byte, crypto.KeySize), time.Now()))

	r.DropAllSessions()

	peers := r.Peers()
	require.Len(t, peers, 1)
	require.Equal(t, Discovered, peers[0].State)
	require.Nil(t, peers[0].Session)
}

func TestProbeTransitionsDiscoveredToHandshaking(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)
	r.mu.Lock()
	r.peers["B"] = &Peer{NodeID: "B", OverlayAddress: ts.URL, State: Discovered}
	r.mu.Unlock()

	r.probe(context.Background(), "B")

	peers := r.Peers()
	require.Equal(t, Handshaking, peers[0].State)
}

func TestProbeFailureAppliesBackoff(t *testing.T) {
	self := newTestSelf(t, "A")
	r := New(self, transport.NewClient(self, time.Second), newTestTrustStore(t), 8412, time.Minute)
	r.mu.Lock()
	r.peers["B"] = &Peer{NodeID: "B", OverlayAddress: "http://127.0.0.1:1", State: Discovered}
	r.mu.Unlock()

	r.probe(context.Background(), "B")

	peers := r.Peers()
	require.Equal(t, Failed, peers[0].State)
	require.True(t, peers[0].BackoffUntil.After(time.Now()))
}

func TestTrustStorePinThenRejectDivergentKey(t *testing.T) {
	ts := newTestTrustStore(t)
	pub1, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	pub2, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, ts.Pin("B", pub1))
	pinned, ok := ts.PinnedSigningKey("B")
	require.True(t, ok)
	require.True(t, pinned.Equal(pub1))

	err = ts.Pin("B", pub2)
	require.Error(t, err)

	require.NoError(t, ts.Pin("B", pub1)) // re-pinning the same key is a no-op
}
