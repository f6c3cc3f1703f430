// Package registry implements the peer registry: reconciling overlay
// snapshots into peer records, probing and handshaking newly discovered
// peers, and backing off on transport failure.
package registry

import (
	"crypto/ed25519"
	"time"

	"github.com/post-sync/post/internal/transport"
)

// State is one of the peer lifecycle states. A peer is in exactly one state
// at a time; transitions are serialized by the Registry's exclusive
// guardian.
type State int

const (
	Unknown State = iota
	Discovered
	Handshaking
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Discovered:
		return "discovered"
	case Handshaking:
		return "handshaking"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Peer is one entry in the registry.
type Peer struct {
	NodeID         string
	DisplayName    string
	OverlayAddress string // base URL, e.g. "http://100.x.y.z:8412"

	SigningPub ed25519.PublicKey

	Session *transport.Session
	State   State

	LastSeen     time.Time
	BackoffUntil time.Time
	FailCount    int
}

// snapshot returns a value copy safe to hand to callers outside the guardian.
func (p *Peer) snapshot() Peer {
	cp := *p
	return cp
}
