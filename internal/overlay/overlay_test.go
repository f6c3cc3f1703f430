package overlay

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestFetchOnceParsesSelfAndPeers(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(rawStatus{
			Self: Node{ID: "A", HostName: "host-a", Addresses: []string{"100.0.0.1"}, Online: true},
			Peer: map[string]Node{
				"B": {ID: "B", HostName: "host-b", Addresses: []string{"100.0.0.2"}, Online: true},
			},
		})
	}))
	defer srv.Close()

	c := New(srv.URL, time.Second)
	snap, err := c.FetchOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "A", snap.Self.ID)
	require.Len(t, snap.Peers, 1)
	require.Equal(t, "B", snap.Peers[0].ID)
}

func TestFetchOnceUnreachableReturnsOverlayUnavailable(t *testing.T) {
	c := New("http://127.0.0.1:0", time.Second)
	_, err := c.FetchOnce(context.Background())
	require.Error(t, err)
}

func TestFetchOnceEmptyBaseURLIsUnavailable(t *testing.T) {
	c := New("", time.Second)
	_, err := c.FetchOnce(context.Background())
	require.Error(t, err)
}
