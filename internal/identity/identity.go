// Package identity implements the long-lived signing and agreement key
// material a node presents to its peers, persisted under a scoped,
// exclusively-acquired lock in the OS data directory, with support for
// periodic rotation.
package identity

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
)

const (
	identityFileName = "identity.bin"
	lockFileName     = "identity.lock"
)

// Identity is the long-lived key material bound to one NodeId.
type Identity struct {
	NodeID     payload.NodeId
	Agreement  crypto.AgreementKeypair
	Signing    crypto.SigningKeypair
	Generation uint64
	RotatedAt  time.Time
}

// onDisk is the serialized shape written to identity.bin. Keys are hex
// encoded so the file stays diffable/inspectable.
type onDisk struct {
	NodeID         string `json:"node_id"`
	AgreementPriv  string `json:"agreement_priv"`
	AgreementPub   string `json:"agreement_pub"`
	SigningPriv    string `json:"signing_priv"`
	SigningPub     string `json:"signing_pub"`
	Generation     uint64 `json:"generation"`
	RotatedAtUnix  int64  `json:"rotated_at_unix"`
}

// RotateListener is notified after a rotation completes so dependent
// components (the peer registry) can drop sessions derived from the old key.
type RotateListener func(Identity)

// Store owns the on-disk identity file and its exclusive process lock.
type Store struct {
	dir      string
	lockPath string
	dataPath string
	lockFile *os.File

	mu        sync.RWMutex
	current   Identity
	listeners []RotateListener
}

// LoadOrCreate acquires the exclusive identity lock in dataDir, then loads an
// existing identity.bin or generates and persists a fresh one. The caller
// must call Close to release the lock; Close is safe to call from any exit
// path (including signal handlers via defer).
func LoadOrCreate(dataDir string, overrideNodeID string) (*Store, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, posterr.New(posterr.KindIO, "identity.mkdir", err)
	}

	s := &Store{
		dir:      dataDir,
		lockPath: filepath.Join(dataDir, lockFileName),
		dataPath: filepath.Join(dataDir, identityFileName),
	}

	if err := s.acquireLock(); err != nil {
		return nil, err
	}

	id, err := s.loadOrGenerate(overrideNodeID)
	if err != nil {
		s.releaseLock()
		return nil, err
	}
	s.current = id
	return s, nil
}

func (s *Store) acquireLock() error {
	f, err := os.OpenFile(s.lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			return posterr.New(posterr.KindIO, "identity.lock", posterr.ErrLocked)
		}
		return posterr.New(posterr.KindIO, "identity.lock", err)
	}
	fmt.Fprintf(f, "%d\n", os.Getpid())
	s.lockFile = f
	return nil
}

func (s *Store) releaseLock() {
	if s.lockFile == nil {
		return
	}
	s.lockFile.Close()
	os.Remove(s.lockPath)
	s.lockFile = nil
}

// Close releases the identity lock. Guaranteed idempotent.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLock()
	return nil
}

func (s *Store) loadOrGenerate(overrideNodeID string) (Identity, error) {
	raw, err := os.ReadFile(s.dataPath)
	if err == nil {
		id, decodeErr := decode(raw)
		if decodeErr != nil {
			return Identity{}, posterr.New(posterr.KindCrypto, "identity.decode", decodeErr)
		}
		return id, nil
	}
	if !os.IsNotExist(err) {
		return Identity{}, posterr.New(posterr.KindIO, "identity.read", err)
	}

	nodeID := overrideNodeID
	if nodeID == "" {
		nodeID = generateNodeID()
	}

	id, genErr := generate(payload.NodeId(nodeID))
	if genErr != nil {
		return Identity{}, posterr.New(posterr.KindCrypto, "identity.generate", genErr)
	}
	if err := persist(s.dataPath, id); err != nil {
		return Identity{}, posterr.New(posterr.KindIO, "identity.persist", err)
	}
	return id, nil
}

func generate(nodeID payload.NodeId) (Identity, error) {
	agree, err := crypto.GenerateAgreementKeypair()
	if err != nil {
		return Identity{}, err
	}
	sign, err := crypto.GenerateSigningKeypair()
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		NodeID:     nodeID,
		Agreement:  agree,
		Signing:    sign,
		Generation: 1,
		RotatedAt:  time.Now().UTC(),
	}, nil
}

func generateNodeID() string {
	var buf [8]byte
	agree, err := crypto.GenerateAgreementKeypair()
	if err == nil {
		copy(buf[:], agree.Public[:8])
	}
	host, _ := os.Hostname()
	return fmt.Sprintf("%s-%s", host, hex.EncodeToString(buf[:]))
}

func decode(raw []byte) (Identity, error) {
	var d onDisk
	if err := json.Unmarshal(raw, &d); err != nil {
		return Identity{}, err
	}

	agreePriv, err := hex.DecodeString(d.AgreementPriv)
	if err != nil {
		return Identity{}, err
	}
	agreePub, err := hex.DecodeString(d.AgreementPub)
	if err != nil {
		return Identity{}, err
	}
	signPriv, err := hex.DecodeString(d.SigningPriv)
	if err != nil {
		return Identity{}, err
	}
	signPub, err := hex.DecodeString(d.SigningPub)
	if err != nil {
		return Identity{}, err
	}

	var id Identity
	id.NodeID = payload.NodeId(d.NodeID)
	copy(id.Agreement.Private[:], agreePriv)
	copy(id.Agreement.Public[:], agreePub)
	id.Signing.Private = ed25519.PrivateKey(signPriv)
	id.Signing.Public = ed25519.PublicKey(signPub)
	id.Generation = d.Generation
	id.RotatedAt = time.Unix(d.RotatedAtUnix, 0).UTC()
	return id, nil
}

func persist(path string, id Identity) error {
	d := onDisk{
		NodeID:        string(id.NodeID),
		AgreementPriv: hex.EncodeToString(id.Agreement.Private[:]),
		AgreementPub:  hex.EncodeToString(id.Agreement.Public[:]),
		SigningPriv:   hex.EncodeToString(id.Signing.Private),
		SigningPub:    hex.EncodeToString(id.Signing.Public),
		Generation:    id.Generation,
		RotatedAtUnix: id.RotatedAt.Unix(),
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Current returns a snapshot of the active identity.
func (s *Store) Current() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// OnRotate registers a listener invoked synchronously after a rotation
// completes. The peer registry uses this to drop all sessions.
func (s *Store) OnRotate(l RotateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, l)
}

// Rotate generates fresh key material, atomically persists it with a bumped
// generation counter, and notifies listeners. This invalidates every
// session derived from the prior generation.
func (s *Store) Rotate() (Identity, error) {
	s.mu.Lock()
	nodeID := s.current.NodeID
	nextGen := s.current.Generation + 1
	s.mu.Unlock()

	fresh, err := generate(nodeID)
	if err != nil {
		return Identity{}, posterr.New(posterr.KindCrypto, "identity.rotate", err)
	}
	fresh.Generation = nextGen

	if err := persist(s.dataPath, fresh); err != nil {
		return Identity{}, posterr.New(posterr.KindIO, "identity.rotate.persist", err)
	}

	s.mu.Lock()
	s.current = fresh
	listeners := append([]RotateListener(nil), s.listeners...)
	s.mu.Unlock()

	for _, l := range listeners {
		l(fresh)
	}
	return fresh, nil
}
