package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/post-sync/post/internal/payload"
)

// Client is the outbound half of the transport, sending clipboard syncs and
// health probes to peers over a shared, connection-pooled *http.Client.
type Client struct {
	self SelfInfo
	http *http.Client
}

func NewClient(self SelfInfo, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{self: self, http: &http.Client{Timeout: timeout}}
}

// Probe performs the lightweight health GET used to transition a
// Discovered peer to Handshaking.
func (c *Client) Probe(ctx context.Context, peerBaseURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerBaseURL+"/v1/status", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status probe returned %d", resp.StatusCode)
	}
	return nil
}

// SendSync seals p under session and POSTs it to peerBaseURL's sync
// endpoint.
func (c *Client) SendSync(ctx context.Context, peerBaseURL string, session *Session, p payload.Payload) error {
	env, err := SealPayload(session, c.self.NodeID, p)
	if err != nil {
		return err
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, peerBaseURL+"/v1/clipboard/sync", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Post-Node-Id", c.self.NodeID)

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("sync endpoint returned %d", resp.StatusCode)
	}
	return nil
}

// Pull fetches the peer's latest locally observed payload, decrypted with
// session.
func (c *Client) Pull(ctx context.Context, peerBaseURL string, session *Session, skewWindow time.Duration) (payload.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, peerBaseURL+"/v1/clipboard/pull", nil)
	if err != nil {
		return payload.Payload{}, err
	}
	req.Header.Set("X-Post-Node-Id", c.self.NodeID)

	resp, err := c.http.Do(req)
	if err != nil {
		return payload.Payload{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return payload.Payload{}, fmt.Errorf("pull endpoint returned %d", resp.StatusCode)
	}

	var env Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return payload.Payload{}, err
	}

	return OpenEnvelope(session, env, time.Now(), skewWindow)
}

// InitiateHandshake is Client's entry point into the three-message
// handshake driver for the given peer.
func (c *Client) InitiateHandshake(ctx context.Context, peerBaseURL string, trust TrustStore) (*Session, string, error) {
	return Initiate(ctx, c.http, peerBaseURL, c.self, trust)
}
