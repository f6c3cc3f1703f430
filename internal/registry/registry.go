package registry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/post-sync/post/internal/overlay"
	"github.com/post-sync/post/internal/transport"
)

const (
	minBackoff = 1 * time.Second
	maxBackoff = 60 * time.Second

	// decryptFailureThreshold is the decrypt-failure count at which a
	// session is dropped and the peer forced back to Discovered. Successful
	// decrypts do not reset the count, so the failures need not be
	// consecutive.
	decryptFailureThreshold = 3

	reconcileTick = 1 * time.Second
)

// Registry is the peer registry. All state mutation goes through mu, its
// exclusive guardian; reads outside the guardian use the snapshot copies
// returned by Peers/ReadyPeers.
type Registry struct {
	self       transport.SelfInfo
	client     *transport.Client
	trust      *TrustStore
	portSuffix string
	grace      time.Duration

	mu    sync.Mutex
	peers map[string]*Peer
}

func New(self transport.SelfInfo, client *transport.Client, trust *TrustStore, port int, grace time.Duration) *Registry {
	if grace <= 0 {
		grace = 5 * time.Minute
	}
	return &Registry{
		self:       self,
		client:     client,
		trust:      trust,
		portSuffix: fmt.Sprintf(":%d", port),
		grace:      grace,
		peers:      make(map[string]*Peer),
	}
}

// Reconcile folds one overlay snapshot into the registry: new nodes become
// Discovered, known nodes have last_seen refreshed, and nodes absent for
// more than grace are dropped.
func (r *Registry) Reconcile(snap overlay.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seen := make(map[string]bool, len(snap.Peers))
	for _, node := range snap.Peers {
		if node.ID == "" || node.ID == r.self.NodeID {
			continue
		}
		seen[node.ID] = true

		addr := ""
		if len(node.Addresses) > 0 {
			addr = "http://" + node.Addresses[0] + r.portSuffix
		}

		p, ok := r.peers[node.ID]
		if !ok {
			r.peers[node.ID] = &Peer{
				NodeID:         node.ID,
				DisplayName:    node.HostName,
				OverlayAddress: addr,
				State:          Discovered,
				LastSeen:       snap.At,
			}
			log.Printf("registry: discovered peer %s (%s)", node.ID, addr)
			continue
		}

		p.LastSeen = snap.At
		if addr != "" {
			p.OverlayAddress = addr
		}
	}

	for id, p := range r.peers {
		if seen[id] {
			continue
		}
		if snap.At.Sub(p.LastSeen) > r.grace {
			log.Printf("registry: dropping peer %s, absent past grace", id)
			delete(r.peers, id)
		}
	}
}

// ReconcileLoop returns a callback that runs Reconcile on each successful
// overlay poll and logs failed ones; wire it as the onSnapshot callback
// passed to overlay.Client.Run.
func (r *Registry) ReconcileLoop() func(overlay.Snapshot, error) {
	return func(snap overlay.Snapshot, err error) {
		if err != nil {
			log.Printf("registry: overlay fetch failed: %v", err)
			return
		}
		r.Reconcile(snap)
	}
}

// Run drives the probe/handshake/backoff state machine on a fixed tick
// until ctx is cancelled.
func (r *Registry) Run(ctx context.Context) {
	ticker := time.NewTicker(reconcileTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

func (r *Registry) tick(ctx context.Context) {
	now := time.Now()

	var toProbe, toHandshake []string
	r.mu.Lock()
	for id, p := range r.peers {
		switch p.State {
		case Discovered:
			toProbe = append(toProbe, id)
		case Handshaking:
			if r.self.NodeID < p.NodeID {
				toHandshake = append(toHandshake, id)
			}
		case Failed:
			if !p.BackoffUntil.After(now) {
				p.State = Discovered
			}
		}
	}
	r.mu.Unlock()

	for _, id := range toProbe {
		go r.probe(ctx, id)
	}
	for _, id := range toHandshake {
		go r.handshake(ctx, id)
	}
}

func (r *Registry) peerBaseURL(id string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok || p.OverlayAddress == "" {
		return "", false
	}
	return p.OverlayAddress, true
}

// probe performs the lightweight /v1/status health GET used to move a
// Discovered peer into Handshaking.
func (r *Registry) probe(ctx context.Context, id string) {
	baseURL, ok := r.peerBaseURL(id)
	if !ok {
		return
	}

	err := r.client.Probe(ctx, baseURL)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return
	}
	if err != nil {
		r.applyFailureLocked(p)
		return
	}
	if p.State == Discovered {
		p.State = Handshaking
	}
}

// handshake drives the outbound three-message handshake against id. Only
// called for the lexicographically smaller NodeId: the larger side never
// initiates, so it has nothing to abort -- it simply serves the inbound
// hello via transport.Responder and ends up Ready through InstallSession.
func (r *Registry) handshake(ctx context.Context, id string) {
	baseURL, ok := r.peerBaseURL(id)
	if !ok {
		return
	}

	hctx, cancel := context.WithTimeout(ctx, transport.HandshakeTimeout)
	defer cancel()

	session, peerID, err := r.client.InitiateHandshake(hctx, baseURL, r.trust)

	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[id]
	if !ok {
		return
	}
	if err != nil {
		log.Printf("registry: handshake with %s failed: %v", id, err)
		r.applyFailureLocked(p)
		return
	}
	p.Session = session
	p.State = Ready
	p.FailCount = 0
	p.BackoffUntil = time.Time{}
	log.Printf("registry: session established with %s", peerID)
}

func (r *Registry) applyFailureLocked(p *Peer) {
	p.FailCount++
	backoff := minBackoff << uint(p.FailCount-1)
	if backoff > maxBackoff || backoff <= 0 {
		backoff = maxBackoff
	}
	p.BackoffUntil = time.Now().Add(backoff)
	p.State = Failed
}

// Peers returns a snapshot of all known peers.
func (r *Registry) Peers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p.snapshot())
	}
	return out
}

// ReadyPeers returns the subset of peers with an established session, the
// set the sync engine fans local changes out to.
func (r *Registry) ReadyPeers() []Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Peer, 0, len(r.peers))
	for _, p := range r.peers {
		if p.State == Ready {
			out = append(out, p.snapshot())
		}
	}
	return out
}

// DropAllSessions drops every peer's session and returns it to Discovered,
// forcing a fresh handshake. Called when identity rotation invalidates all
// prior sessions, and by the coordinator at shutdown.
func (r *Registry) DropAllSessions() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.peers {
		if p.Session != nil {
			p.Session = nil
			p.State = Discovered
			p.FailCount = 0
		}
	}
}

// --- transport.SessionStore ---

// SessionFor implements transport.SessionStore.
func (r *Registry) SessionFor(peerID string) (*transport.Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok || p.State != Ready || p.Session == nil {
		return nil, false
	}
	return p.Session, true
}

// InstallSession implements transport.SessionStore: the responder side of a
// successful handshake lands here, moving the peer to Ready even if it was
// never previously Discovered (a peer can handshake with us before its
// overlay presence is reconciled).
func (r *Registry) InstallSession(peerID string, session *transport.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		p = &Peer{NodeID: peerID, State: Discovered, LastSeen: time.Now()}
		r.peers[peerID] = p
	}
	p.Session = session
	p.State = Ready
	p.FailCount = 0
	p.BackoffUntil = time.Time{}
}

// NoteSendFailure implements syncengine.FailureNoter: a failed outbound send
// moves a Ready peer to Failed with backoff.
func (r *Registry) NoteSendFailure(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	p.Session = nil
	r.applyFailureLocked(p)
}

// NoteDecryptFailure implements transport.SessionStore: drops a session
// once decryptFailureThreshold decrypt failures have been noted for the peer
// and forces a fresh handshake. The count is reset only when a session is
// installed or a handshake succeeds, not by successful decrypts.
func (r *Registry) NoteDecryptFailure(peerID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return
	}
	p.FailCount++
	if p.FailCount >= decryptFailureThreshold {
		log.Printf("registry: dropping session with %s after repeated decrypt failures", peerID)
		p.Session = nil
		p.State = Discovered
		p.FailCount = 0
	}
}
