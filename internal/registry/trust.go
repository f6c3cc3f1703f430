package registry

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/post-sync/post/internal/posterr"
)

// TrustStore persists trust-on-first-use signing-key pins to peers.json
// under dataDir, using the same atomic tmp-then-rename style as
// identity.Store.persist.
type TrustStore struct {
	path string

	mu   sync.Mutex
	pins map[string]string // node id -> hex-encoded ed25519 public key
}

// LoadTrustStore reads peers.json if present, or starts with no pins.
func LoadTrustStore(dataDir string) (*TrustStore, error) {
	path := filepath.Join(dataDir, "peers.json")
	t := &TrustStore{path: path, pins: make(map[string]string)}

	raw, err := os.ReadFile(path)
	if err == nil {
		if err := json.Unmarshal(raw, &t.pins); err != nil {
			return nil, posterr.New(posterr.KindIO, "trust.decode", err)
		}
		return t, nil
	}
	if !os.IsNotExist(err) {
		return nil, posterr.New(posterr.KindIO, "trust.read", err)
	}
	return t, nil
}

// PinnedSigningKey implements transport.TrustStore.
func (t *TrustStore) PinnedSigningKey(peerID string) (ed25519.PublicKey, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	hexKey, ok := t.pins[peerID]
	if !ok {
		return nil, false
	}
	raw, err := hex.DecodeString(hexKey)
	if err != nil {
		return nil, false
	}
	return ed25519.PublicKey(raw), true
}

// Pin implements transport.TrustStore: first contact pins the key; a
// divergent key for an already-pinned peer is refused with
// posterr.ErrIdentityChanged.
func (t *TrustStore) Pin(peerID string, pub ed25519.PublicKey) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	encoded := hex.EncodeToString(pub)
	if existing, ok := t.pins[peerID]; ok {
		if existing != encoded {
			return posterr.New(posterr.KindHandshake, "trust.pin", posterr.ErrIdentityChanged)
		}
		return nil
	}

	t.pins[peerID] = encoded
	return t.persist()
}

// Clear removes a pin, letting an operator accept a peer's new key.
func (t *TrustStore) Clear(peerID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pins, peerID)
	return t.persist()
}

func (t *TrustStore) persist() error {
	raw, err := json.MarshalIndent(t.pins, "", "  ")
	if err != nil {
		return posterr.New(posterr.KindIO, "trust.persist", err)
	}
	tmp := t.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return posterr.New(posterr.KindIO, "trust.persist", err)
	}
	if err := os.Rename(tmp, t.path); err != nil {
		return posterr.New(posterr.KindIO, "trust.persist", err)
	}
	return nil
}
