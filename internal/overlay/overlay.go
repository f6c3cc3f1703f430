// Package overlay implements the overlay local-API client: a Tailscale-style
// HTTP endpoint listing reachable nodes. The overlay is treated strictly as
// an address book and transport bearer, never as a trust root -- this client
// does no authentication of its own and surfaces raw node/address data to
// the peer registry.
package overlay

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/post-sync/post/internal/posterr"
)

// DefaultPollInterval is the overlay client's default polling cadence.
const DefaultPollInterval = 10 * time.Second

// Node is the subset of the overlay's node record the core consumes: id,
// hostname, addresses, and online status. Additional fields in the
// overlay's response are tolerated and ignored.
type Node struct {
	ID        string   `json:"ID"`
	HostName  string   `json:"HostName"`
	Addresses []string `json:"TailscaleIPs"`
	Online    bool     `json:"Online"`
}

// Snapshot is the self-identity plus the list of other reachable nodes, as
// returned by one successful overlay fetch.
type Snapshot struct {
	Self  Node
	Peers []Node
	At    time.Time
}

// rawStatus mirrors the overlay's actual JSON shape: a Self node and a Peer
// map keyed by node id.
type rawStatus struct {
	Self Node            `json:"Self"`
	Peer map[string]Node `json:"Peer"`
}

// Client polls the overlay's local API on an interval and surfaces a single
// "last successful snapshot" plus fetch errors to its caller.
type Client struct {
	baseURL      string
	httpClient   *http.Client
	pollInterval time.Duration
}

// New builds a Client against baseURL (the overlay's local HTTP API). An
// empty baseURL is valid and always yields OverlayUnavailable, matching a
// deployment with no overlay configured.
func New(baseURL string, pollInterval time.Duration) *Client {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 3 * time.Second},
		pollInterval: pollInterval,
	}
}

// FetchOnce performs a single poll of the overlay's status endpoint. It
// never retries internally; callers decide whether to reuse a stale
// snapshot.
func (c *Client) FetchOnce(ctx context.Context) (Snapshot, error) {
	if c.baseURL == "" {
		return Snapshot{}, posterr.New(posterr.KindOverlay, "fetch", posterr.ErrOverlayUnavailable)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL, nil)
	if err != nil {
		return Snapshot{}, posterr.New(posterr.KindOverlay, "fetch", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Snapshot{}, posterr.New(posterr.KindOverlay, "fetch", fmt.Errorf("%w: %v", posterr.ErrOverlayUnavailable, err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Snapshot{}, posterr.New(posterr.KindOverlay, "fetch", fmt.Errorf("%w: status %d", posterr.ErrOverlayUnavailable, resp.StatusCode))
	}

	var raw rawStatus
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return Snapshot{}, posterr.New(posterr.KindOverlay, "fetch", fmt.Errorf("%w: %v", posterr.ErrOverlayUnavailable, err))
	}

	snap := Snapshot{Self: raw.Self, At: time.Now()}
	for _, n := range raw.Peer {
		snap.Peers = append(snap.Peers, n)
	}
	return snap, nil
}

// Run polls FetchOnce every pollInterval and delivers each outcome to
// onSnapshot until ctx is cancelled. A failed poll is delivered together
// with the last successful snapshot (the zero Snapshot if none has
// succeeded yet).
func (c *Client) Run(ctx context.Context, onSnapshot func(Snapshot, error)) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var last Snapshot
	poll := func() {
		snap, err := c.FetchOnce(ctx)
		if err == nil {
			last = snap
		}
		onSnapshot(last, err)
	}

	poll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			poll()
		}
	}
}
