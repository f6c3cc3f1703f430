// Package transport implements the session establishment protocol and the
// AEAD-framed HTTP endpoints: a three-message mutually authenticated
// handshake, followed by ChaCha20-Poly1305-framed clipboard sync/pull
// requests.
package transport

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"golang.org/x/crypto/blake2b"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/posterr"
)

const ProtocolVersion = 1

// HandshakeTimeout is the absolute deadline assigned to a handshake
// attempt.
const HandshakeTimeout = 5 * time.Second

// SelfInfo is the local identity the handshake authenticates with.
type SelfInfo struct {
	NodeID    string
	Agreement crypto.AgreementKeypair
	Signing   crypto.SigningKeypair
}

// TrustStore is the trust-on-first-use pin store: first contact pins a
// peer's signing key; a later handshake presenting a different key is
// refused unless an operator clears the pin.
type TrustStore interface {
	PinnedSigningKey(peerID string) (ed25519.PublicKey, bool)
	Pin(peerID string, pub ed25519.PublicKey) error
}

// HelloPayload is handshake message 1 (initiator->responder) or message 2
// (responder->initiator); NonceB is empty on message 1.
type HelloPayload struct {
	Version      byte   `json:"version"`
	NodeID       string `json:"node_id"`
	AgreementPub string `json:"agreement_pub"` // base64
	SigningPub   string `json:"signing_pub"`   // base64
	NonceA       string `json:"nonce_a"`       // base64, 16B
	NonceB       string `json:"nonce_b,omitempty"` // base64, 16B
	Signature    string `json:"signature"`     // base64, Ed25519 over the fields above
}

// ConfirmPayload is handshake message 3 (initiator->responder).
type ConfirmPayload struct {
	NodeID      string `json:"node_id"`
	ConfirmTag string `json:"confirm_tag"` // base64
}

// AckPayload is the responder's reply to a confirm.
type AckPayload struct {
	NodeID string `json:"node_id"`
	OK     bool   `json:"ok"`
}

// HandshakeRequest/HandshakeResponse multiplex message 1/3 and message
// 2/ack onto the single /v1/handshake endpoint; direction is inferred from
// which field is set.
type HandshakeRequest struct {
	Hello   *HelloPayload   `json:"hello,omitempty"`
	Confirm *ConfirmPayload `json:"confirm,omitempty"`
}

type HandshakeResponse struct {
	Hello *HelloPayload `json:"hello,omitempty"`
	Ack   *AckPayload   `json:"ack,omitempty"`
	Error string        `json:"error,omitempty"`
}

func signingBytes(h HelloPayload) []byte {
	b := []byte{h.Version}
	b = append(b, []byte(h.NodeID)...)
	b = append(b, []byte(h.AgreementPub)...)
	b = append(b, []byte(h.SigningPub)...)
	b = append(b, []byte(h.NonceA)...)
	b = append(b, []byte(h.NonceB)...)
	return b
}

func randomNonce16() (string, error) {
	buf := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, buf); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(buf), nil
}

func confirmNonce(nonceA, nonceB []byte) []byte {
	sum := blake2b.Sum256(append(append([]byte{}, nonceA...), nonceB...))
	return sum[:crypto.NonceSize]
}

func verifyHello(h HelloPayload, trust TrustStore) (ed25519.PublicKey, [32]byte, error) {
	if h.Version != ProtocolVersion {
		return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", fmt.Errorf("%w: got %d", posterr.ErrVersionMismatch, h.Version))
	}

	signingPub, err := base64.StdEncoding.DecodeString(h.SigningPub)
	if err != nil {
		return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", err)
	}
	sig, err := base64.StdEncoding.DecodeString(h.Signature)
	if err != nil {
		return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", err)
	}
	if err := crypto.Verify(ed25519.PublicKey(signingPub), signingBytes(h), sig); err != nil {
		return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", fmt.Errorf("%w: %v", posterr.ErrBadSignature, err))
	}

	if pinned, ok := trust.PinnedSigningKey(h.NodeID); ok {
		if !ed25519.PublicKey(signingPub).Equal(pinned) {
			return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", posterr.ErrIdentityChanged)
		}
	}

	agreementPubBytes, err := base64.StdEncoding.DecodeString(h.AgreementPub)
	if err != nil || len(agreementPubBytes) != 32 {
		return nil, [32]byte{}, posterr.New(posterr.KindHandshake, "verify", errors.New("bad agreement pubkey"))
	}
	var agreementPub [32]byte
	copy(agreementPub[:], agreementPubBytes)

	return ed25519.PublicKey(signingPub), agreementPub, nil
}

func buildHello(self SelfInfo, nonceA, nonceB string) (HelloPayload, error) {
	h := HelloPayload{
		Version:      ProtocolVersion,
		NodeID:       self.NodeID,
		AgreementPub: base64.StdEncoding.EncodeToString(self.Agreement.Public[:]),
		SigningPub:   base64.StdEncoding.EncodeToString(self.Signing.Public),
		NonceA:       nonceA,
		NonceB:       nonceB,
	}
	h.Signature = base64.StdEncoding.EncodeToString(crypto.Sign(self.Signing.Private, signingBytes(h)))
	return h, nil
}

// Initiate drives the client side of the three-message handshake against
// peerBaseURL, returning an established Session on success. The whole
// exchange is bounded by HandshakeTimeout, on top of any deadline ctx
// already carries.
func Initiate(ctx context.Context, httpClient *http.Client, peerBaseURL string, self SelfInfo, trust TrustStore) (*Session, string, error) {
	ctx, cancel := context.WithTimeout(ctx, HandshakeTimeout)
	defer cancel()

	nonceA, err := randomNonce16()
	if err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}

	hello1, err := buildHello(self, nonceA, "")
	if err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}

	resp1, err := postHandshake(ctx, httpClient, peerBaseURL, HandshakeRequest{Hello: &hello1})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", posterr.New(posterr.KindHandshake, "initiate", posterr.ErrHandshakeTimeout)
		}
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}
	if resp1.Hello == nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", errors.New("responder did not return message 2"))
	}
	hello2 := *resp1.Hello

	if hello2.NonceA != nonceA {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", errors.New("responder echoed wrong nonce_a"))
	}
	if hello2.NonceB == "" {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", errors.New("responder omitted nonce_b"))
	}

	peerSigningPub, peerAgreementPub, err := verifyHello(hello2, trust)
	if err != nil {
		return nil, "", err
	}
	if err := trust.Pin(hello2.NodeID, peerSigningPub); err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}

	secret, err := crypto.Agree(self.Agreement.Private, peerAgreementPub)
	if err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", fmt.Errorf("%w: %v", posterr.ErrKeyAgreementFailed, err))
	}
	key, err := crypto.DeriveSessionKey(secret, self.NodeID, hello2.NodeID)
	if err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}

	nonceABytes, _ := base64.StdEncoding.DecodeString(nonceA)
	nonceBBytes, _ := base64.StdEncoding.DecodeString(hello2.NonceB)
	tag, err := crypto.Seal(key, confirmNonce(nonceABytes, nonceBBytes), nil, nil)
	if err != nil {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}

	confirm := ConfirmPayload{NodeID: self.NodeID, ConfirmTag: base64.StdEncoding.EncodeToString(tag)}
	resp2, err := postHandshake(ctx, httpClient, peerBaseURL, HandshakeRequest{Confirm: &confirm})
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, "", posterr.New(posterr.KindHandshake, "initiate", posterr.ErrHandshakeTimeout)
		}
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", err)
	}
	if resp2.Ack == nil || !resp2.Ack.OK {
		return nil, "", posterr.New(posterr.KindHandshake, "initiate", errors.New("responder rejected confirm"))
	}

	return NewSession(key, time.Now()), hello2.NodeID, nil
}

// Responder handles the server side of the handshake. It keeps at most one
// pending handshake per peer node id, guarded by its own mutex; a new hello
// from the same peer replaces the pending entry.
type Responder struct {
	Self  SelfInfo
	Trust TrustStore

	mu      sync.Mutex
	pending map[string]pendingResponder
}

type pendingResponder struct {
	nonceA, nonceB []byte
	key            []byte
	peerNodeID     string
}

func NewResponder(self SelfInfo, trust TrustStore) *Responder {
	return &Responder{Self: self, Trust: trust, pending: make(map[string]pendingResponder)}
}

// HandleHello processes handshake message 1 and returns message 2.
func (r *Responder) HandleHello(hello1 HelloPayload) (HelloPayload, error) {
	peerSigningPub, peerAgreementPub, err := verifyHello(hello1, r.Trust)
	if err != nil {
		return HelloPayload{}, err
	}

	nonceB, err := randomNonce16()
	if err != nil {
		return HelloPayload{}, posterr.New(posterr.KindHandshake, "respond", err)
	}
	hello2, err := buildHello(r.Self, hello1.NonceA, nonceB)
	if err != nil {
		return HelloPayload{}, err
	}

	secret, err := crypto.Agree(r.Self.Agreement.Private, peerAgreementPub)
	if err != nil {
		return HelloPayload{}, posterr.New(posterr.KindHandshake, "respond", fmt.Errorf("%w: %v", posterr.ErrKeyAgreementFailed, err))
	}
	key, err := crypto.DeriveSessionKey(secret, r.Self.NodeID, hello1.NodeID)
	if err != nil {
		return HelloPayload{}, posterr.New(posterr.KindHandshake, "respond", err)
	}

	nonceABytes, _ := base64.StdEncoding.DecodeString(hello1.NonceA)
	nonceBBytes, _ := base64.StdEncoding.DecodeString(nonceB)

	if err := r.Trust.Pin(hello1.NodeID, peerSigningPub); err != nil {
		return HelloPayload{}, posterr.New(posterr.KindHandshake, "respond", err)
	}

	r.mu.Lock()
	r.pending[hello1.NodeID] = pendingResponder{
		nonceA:     nonceABytes,
		nonceB:     nonceBBytes,
		key:        key,
		peerNodeID: hello1.NodeID,
	}
	r.mu.Unlock()
	return hello2, nil
}

// HandleConfirm verifies message 3 and, on success, returns the established
// Session; the confirming peer's node id is confirm.NodeID.
func (r *Responder) HandleConfirm(confirm ConfirmPayload) (*Session, error) {
	r.mu.Lock()
	pending, ok := r.pending[confirm.NodeID]
	if ok {
		delete(r.pending, confirm.NodeID)
	}
	r.mu.Unlock()
	if !ok {
		return nil, posterr.New(posterr.KindHandshake, "confirm", errors.New("no pending handshake for node"))
	}

	tag, err := base64.StdEncoding.DecodeString(confirm.ConfirmTag)
	if err != nil {
		return nil, posterr.New(posterr.KindHandshake, "confirm", err)
	}

	if _, err := crypto.Open(pending.key, confirmNonce(pending.nonceA, pending.nonceB), nil, tag); err != nil {
		return nil, posterr.New(posterr.KindHandshake, "confirm", posterr.ErrBadConfirm)
	}

	return NewSession(pending.key, time.Now()), nil
}

func postHandshake(ctx context.Context, client *http.Client, baseURL string, reqBody HandshakeRequest) (HandshakeResponse, error) {
	raw, err := json.Marshal(reqBody)
	if err != nil {
		return HandshakeResponse{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/handshake", bytes.NewReader(raw))
	if err != nil {
		return HandshakeResponse{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return HandshakeResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return HandshakeResponse{}, fmt.Errorf("handshake endpoint returned status %d", resp.StatusCode)
	}

	var out HandshakeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return HandshakeResponse{}, err
	}
	if out.Error != "" {
		return HandshakeResponse{}, errors.New(out.Error)
	}
	return out, nil
}
