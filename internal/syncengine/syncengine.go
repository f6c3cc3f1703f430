// Package syncengine implements the single-threaded actor that owns "last
// local payload" and "last broadcast fingerprint" state, fed by the
// clipboard poller and inbound sync messages, and is the sole writer of the
// clipboard adapter.
package syncengine

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/post-sync/post/internal/clipboard"
	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
	"github.com/post-sync/post/internal/registry"
	"github.com/post-sync/post/internal/transport"
)

// DefaultMailboxCapacity and DefaultPollInterval are the engine's default
// mailbox size and local-change poll cadence.
const (
	DefaultMailboxCapacity = 256
	DefaultPollInterval    = 500 * time.Millisecond

	inboundEnqueueTimeout = 2 * time.Second
)

// Sender is the outbound half of transport the engine drives per Ready peer.
// *transport.Client satisfies it.
type Sender interface {
	SendSync(ctx context.Context, peerBaseURL string, session *transport.Session, p payload.Payload) error
}

// PeerView supplies the set of peers currently eligible to receive a
// broadcast. *registry.Registry satisfies it.
type PeerView interface {
	ReadyPeers() []registry.Peer
}

// FailureNoter lets the engine push a peer back to Failed after a send
// error, without importing registry's full mutation surface.
type FailureNoter interface {
	NoteSendFailure(peerID string)
}

type command interface {
	run(e *Engine)
}

type localChangeCmd struct{ content clipboard.Content }

type inboundCmd struct {
	senderID string
	payload  payload.Payload
	result   chan error
}

// Engine is the actor. Its exported methods are safe for concurrent callers;
// all state mutation happens on the single goroutine draining mailbox.
type Engine struct {
	self     payload.NodeId
	adapter  *clipboard.Adapter
	sender   Sender
	peers    PeerView
	failures FailureNoter

	mailbox chan command
	dropped uint64

	mu sync.Mutex // guards Latest()'s snapshot only; actor state itself is single-threaded

	// actor-owned state, touched only inside run()
	haveLastLocal       bool
	lastLocalFingerprint payload.Fingerprint
	suppressNext         *payload.Fingerprint

	lastAppliedCreatedAt map[payload.NodeId]time.Time
	haveWinner           bool
	winnerCreatedAt      time.Time
	winnerOrigin         payload.NodeId

	latest    payload.Payload
	haveLatest bool
}

// New builds an Engine. mailboxCapacity <= 0 uses DefaultMailboxCapacity.
// failures may be nil if send failures should only be logged.
func New(self payload.NodeId, adapter *clipboard.Adapter, sender Sender, peers PeerView, failures FailureNoter, mailboxCapacity int) *Engine {
	if mailboxCapacity <= 0 {
		mailboxCapacity = DefaultMailboxCapacity
	}
	return &Engine{
		self:                 self,
		adapter:              adapter,
		sender:               sender,
		peers:                peers,
		failures:             failures,
		mailbox:              make(chan command, mailboxCapacity),
		lastAppliedCreatedAt: make(map[payload.NodeId]time.Time),
	}
}

// Run starts the local-change poller and drains the mailbox until ctx is
// cancelled. It blocks; callers run it in its own goroutine.
func (e *Engine) Run(ctx context.Context, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}

	go e.pollLoop(ctx, pollInterval)

	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.mailbox:
			cmd.run(e)
		}
	}
}

func (e *Engine) pollLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c, ok, err := e.adapter.Read()
			if err != nil {
				log.Printf("syncengine: clipboard read failed: %v", err)
				continue
			}
			if !ok {
				continue
			}
			e.enqueueLocal(c)
		}
	}
}

// enqueueLocal is non-blocking: a full mailbox drops the newest local-change
// event rather than blocking the poller, since only the latest clipboard
// value has semantic value.
func (e *Engine) enqueueLocal(c clipboard.Content) {
	select {
	case e.mailbox <- localChangeCmd{content: c}:
	default:
		e.dropped++
		log.Printf("syncengine: mailbox full, dropped local-change event (total dropped: %d)", e.dropped)
	}
}

// ApplyInbound implements transport.Inbox. It enqueues onto the same
// mailbox the poller uses, preserving a single total order across local and
// inbound changes, and waits for the result so the HTTP caller gets a real
// success/failure status.
func (e *Engine) ApplyInbound(senderID string, p payload.Payload) error {
	cmd := inboundCmd{senderID: senderID, payload: p, result: make(chan error, 1)}
	select {
	case e.mailbox <- cmd:
	case <-time.After(inboundEnqueueTimeout):
		e.dropped++
		return posterr.New(posterr.KindTransport, "apply", context.DeadlineExceeded)
	}

	select {
	case err := <-cmd.result:
		return err
	case <-time.After(inboundEnqueueTimeout):
		return posterr.New(posterr.KindTransport, "apply", context.DeadlineExceeded)
	}
}

// Latest implements transport.LatestProvider.
func (e *Engine) Latest() (payload.Payload, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest, e.haveLatest
}

func (e *Engine) setLatest(p payload.Payload) {
	e.mu.Lock()
	e.latest, e.haveLatest = p, true
	e.mu.Unlock()
}

// --- command handlers, run only on the actor goroutine ---

func (c localChangeCmd) run(e *Engine) {
	fp := payload.FingerprintOf(c.content.Bytes)

	if e.suppressNext != nil && fp.Equal(*e.suppressNext) {
		e.suppressNext = nil
		return
	}

	if e.haveLastLocal && fp.Equal(e.lastLocalFingerprint) {
		return
	}

	e.haveLastLocal = true
	e.lastLocalFingerprint = fp

	now := time.Now()
	p := payload.New(c.content.Bytes, c.content.Mime, e.self, now)
	e.lastAppliedCreatedAt[e.self] = now
	e.haveWinner = true
	e.winnerCreatedAt = now
	e.winnerOrigin = e.self
	e.setLatest(p)

	for _, peer := range e.peers.ReadyPeers() {
		if peer.Session == nil || peer.OverlayAddress == "" {
			continue
		}
		go e.broadcast(peer, p)
	}
}

func (e *Engine) broadcast(peer registry.Peer, p payload.Payload) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.sender.SendSync(ctx, peer.OverlayAddress, peer.Session, p); err != nil {
		log.Printf("syncengine: send to %s failed: %v", peer.NodeID, err)
		if e.failures != nil {
			e.failures.NoteSendFailure(peer.NodeID)
		}
	}
}

func (c inboundCmd) run(e *Engine) {
	err := e.apply(c.payload)
	c.result <- err
}

func (e *Engine) apply(p payload.Payload) error {
	fp := payload.FingerprintOf(p.Content)

	if e.haveLastLocal && fp.Equal(e.lastLocalFingerprint) {
		return nil // loop suppression: already our current value
	}

	if last, ok := e.lastAppliedCreatedAt[p.OriginNode]; ok && p.CreatedAt.Before(last) {
		return nil // stale relative to this origin's own history
	}

	if e.haveWinner && !wins(p.CreatedAt, p.OriginNode, e.winnerCreatedAt, e.winnerOrigin) {
		return nil // loses conflict resolution against the current winner
	}

	if err := e.adapter.Write(clipboard.Content{Bytes: p.Content, Mime: p.Mime}); err != nil {
		return err
	}

	e.haveLastLocal = true
	e.lastLocalFingerprint = fp
	e.suppressNext = &fp
	e.lastAppliedCreatedAt[p.OriginNode] = p.CreatedAt
	e.haveWinner = true
	e.winnerCreatedAt = p.CreatedAt
	e.winnerOrigin = p.OriginNode
	e.setLatest(p)
	return nil
}

// wins reports whether (createdAt, origin) beats (otherCreatedAt, otherOrigin):
// higher created_at wins; ties broken by lexicographically smaller
// origin_node.
func wins(createdAt time.Time, origin payload.NodeId, otherCreatedAt time.Time, otherOrigin payload.NodeId) bool {
	if createdAt.After(otherCreatedAt) {
		return true
	}
	if createdAt.Before(otherCreatedAt) {
		return false
	}
	return origin < otherOrigin
}
