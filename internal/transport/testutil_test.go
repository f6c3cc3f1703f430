package transport

import (
	"crypto/ed25519"
	"sync"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/payload"
)

// memTrustStore is an in-memory TrustStore for tests. Unlike the real
// peers.json-backed store, Pin always records the given key and never
// refuses a divergent one; divergent keys are caught by verifyHello's
// PinnedSigningKey check.
type memTrustStore struct {
	mu   sync.Mutex
	pins map[string]ed25519.PublicKey
}

func newMemTrustStore() *memTrustStore {
	return &memTrustStore{pins: make(map[string]ed25519.PublicKey)}
}

func (t *memTrustStore) PinnedSigningKey(peerID string) (ed25519.PublicKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	pub, ok := t.pins[peerID]
	return pub, ok
}

func (t *memTrustStore) Pin(peerID string, pub ed25519.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pins[peerID] = pub
	return nil
}

// memSessionStore implements SessionStore for server tests.
type memSessionStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
	failures map[string]int
}

func newMemSessionStore() *memSessionStore {
	return &memSessionStore{sessions: make(map[string]*Session), failures: make(map[string]int)}
}

func (m *memSessionStore) SessionFor(peerID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

func (m *memSessionStore) InstallSession(peerID string, session *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[peerID] = session
}

func (m *memSessionStore) NoteDecryptFailure(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures[peerID]++
}

// memInbox implements Inbox for server tests.
type memInbox struct {
	mu      sync.Mutex
	applied []payload.Payload
}

func (m *memInbox) ApplyInbound(senderID string, p payload.Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.applied = append(m.applied, p)
	return nil
}

// memLatest implements LatestProvider for server tests.
type memLatest struct {
	mu sync.Mutex
	p  payload.Payload
	ok bool
}

func (m *memLatest) set(p payload.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.p, m.ok = p, true
}

func (m *memLatest) Latest() (payload.Payload, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.p, m.ok
}

// newSelfInfo builds a SelfInfo with freshly generated keypairs for nodeID.
func newSelfInfo(nodeID string) (SelfInfo, error) {
	agreement, err := crypto.GenerateAgreementKeypair()
	if err != nil {
		return SelfInfo{}, err
	}
	signing, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return SelfInfo{}, err
	}
	return SelfInfo{NodeID: nodeID, Agreement: agreement, Signing: signing}, nil
}
