package transport

import (
	"encoding/hex"
	"strconv"
	"sync"
	"time"

	"github.com/post-sync/post/internal/posterr"
)

// DefaultReorderWindow and DefaultSkewWindow are the transport's default
// inbound reordering tolerance and clock-skew tolerance.
const (
	DefaultReorderWindow = 64
	DefaultSkewWindow    = 120 * time.Second
	SeenNonceCapacity     = 1024
	SeenNonceWindow        = 60 * time.Second
)

// Session is the per-peer symmetric state established by a successful
// handshake. It owns outbound sequencing, inbound replay defense, and
// inbound reordering bookkeeping.
type Session struct {
	mu sync.Mutex

	SharedKey     []byte
	EstablishedAt time.Time

	selfSeq uint32
	peerSeq uint64

	seen *seenNonces
}

// NewSession wraps a freshly derived shared key established at `now`.
func NewSession(sharedKey []byte, now time.Time) *Session {
	return &Session{
		SharedKey:     sharedKey,
		EstablishedAt: now,
		seen:          newSeenNonces(SeenNonceCapacity, SeenNonceWindow),
	}
}

// NextSelfSeq returns the next outbound sequence number, erroring once the
// 32-bit counter is exhausted; the session must be rotated before 2^32
// messages.
func (s *Session) NextSelfSeq() (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selfSeq == ^uint32(0) {
		return 0, posterr.New(posterr.KindCrypto, "session.seq", posterr.ErrNonceOverflow)
	}
	seq := s.selfSeq
	s.selfSeq++
	return seq, nil
}

// AdmitInbound applies replay and ordering checks to one inbound
// (seq, nonce) pair received at now; the created_at skew check is done by
// OpenEnvelope. It returns an error if the message must be dropped;
// otherwise it records the nonce and advances peerSeq bookkeeping.
func (s *Session) AdmitInbound(seq uint64, nonce []byte, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.peerSeq > 0 && seq+DefaultReorderWindow < s.peerSeq {
		return posterr.New(posterr.KindTransport, "session.reorder", posterr.ErrReplay)
	}

	if err := s.seen.checkAndInsert(seq, nonce, now); err != nil {
		return err
	}

	if seq > s.peerSeq {
		s.peerSeq = seq
	}
	return nil
}

// seenNonces is a bounded, time-windowed replay cache: at most `capacity`
// entries, each evicted once older than `window`.
type seenNonces struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	order    []string
	capacity int
	window   time.Duration
}

func newSeenNonces(capacity int, window time.Duration) *seenNonces {
	return &seenNonces{
		entries:  make(map[string]time.Time),
		capacity: capacity,
		window:   window,
	}
}

func (s *seenNonces) checkAndInsert(seq uint64, nonce []byte, now time.Time) error {
	s.evictExpired(now)

	key := nonceKey(seq, nonce)
	if _, exists := s.entries[key]; exists {
		return posterr.New(posterr.KindTransport, "nonce.replay", posterr.ErrReplay)
	}

	s.entries[key] = now
	s.order = append(s.order, key)
	if len(s.order) > s.capacity {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.entries, oldest)
	}
	return nil
}

func (s *seenNonces) evictExpired(now time.Time) {
	cut := 0
	for cut < len(s.order) {
		k := s.order[cut]
		if now.Sub(s.entries[k]) <= s.window {
			break
		}
		delete(s.entries, k)
		cut++
	}
	if cut > 0 {
		s.order = s.order[cut:]
	}
}

func nonceKey(seq uint64, nonce []byte) string {
	return strconv.FormatUint(seq, 10) + ":" + hex.EncodeToString(nonce)
}
