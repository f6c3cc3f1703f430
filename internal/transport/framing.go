package transport

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
)

// Envelope is the wire shape for both /v1/clipboard/sync requests and
// /v1/clipboard/pull responses.
type Envelope struct {
	Sender     string `json:"sender"`
	Seq        uint64 `json:"seq"`
	Nonce      string `json:"nonce"`      // base64, 12B
	Ciphertext string `json:"ciphertext"` // base64
}

// aad binds sender node id, protocol version, and sequence number to the
// AEAD tag.
func aad(senderID string, seq uint64) []byte {
	b := make([]byte, 0, len(senderID)+1+8)
	b = append(b, byte(ProtocolVersion))
	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)
	b = append(b, seqBytes[:]...)
	b = append(b, []byte(senderID)...)
	return b
}

// SealPayload encrypts p under session's key, consuming the next outbound
// sequence number and returning a ready-to-send Envelope.
func SealPayload(session *Session, senderID string, p payload.Payload) (Envelope, error) {
	seq, err := session.NextSelfSeq()
	if err != nil {
		return Envelope{}, err
	}

	plaintext, err := payload.Encode(p)
	if err != nil {
		return Envelope{}, posterr.New(posterr.KindTransport, "seal", err)
	}

	nonce, err := crypto.NewNonce(seq)
	if err != nil {
		return Envelope{}, posterr.New(posterr.KindCrypto, "seal", err)
	}

	ciphertext, err := crypto.Seal(session.SharedKey, nonce, aad(senderID, uint64(seq)), plaintext)
	if err != nil {
		return Envelope{}, posterr.New(posterr.KindCrypto, "seal", err)
	}

	return Envelope{
		Sender:     senderID,
		Seq:        uint64(seq),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(ciphertext),
	}, nil
}

// OpenEnvelope validates replay/ordering state on session, decrypts env,
// deserializes the Payload, and checks the clock-skew window against now.
// Nonce/seq replay is checked before decrypt.
func OpenEnvelope(session *Session, env Envelope, now time.Time, skewWindow time.Duration) (payload.Payload, error) {
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return payload.Payload{}, posterr.New(posterr.KindTransport, "open", err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return payload.Payload{}, posterr.New(posterr.KindTransport, "open", err)
	}

	if err := session.AdmitInbound(env.Seq, nonce, now); err != nil {
		return payload.Payload{}, err
	}

	plaintext, err := crypto.Open(session.SharedKey, nonce, aad(env.Sender, env.Seq), ciphertext)
	if err != nil {
		return payload.Payload{}, posterr.New(posterr.KindCrypto, "open", err)
	}

	p, err := payload.Decode(plaintext)
	if err != nil {
		return payload.Payload{}, posterr.New(posterr.KindTransport, "open", err)
	}

	if skewWindow <= 0 {
		skewWindow = DefaultSkewWindow
	}
	skew := now.Sub(p.CreatedAt)
	if skew < 0 {
		skew = -skew
	}
	if skew > skewWindow {
		return payload.Payload{}, posterr.New(posterr.KindTransport, "open", fmt.Errorf("%w: skew %s", posterr.ErrSkew, skew))
	}

	return p, nil
}
