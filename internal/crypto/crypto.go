// Package crypto implements the cryptographic primitives the handshake and
// transport layers build on: ChaCha20-Poly1305 AEAD framing, X25519 key
// agreement, HKDF-BLAKE2 session key derivation, Ed25519 handshake
// signatures, and session nonce construction.
package crypto

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"hash"
	"io"
	"sort"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	KeySize       = chacha20poly1305.KeySize // 32 bytes
	NonceSize     = chacha20poly1305.NonceSize // 12 bytes (96 bits)
	AgreementSize = curve25519.ScalarSize      // 32 bytes

	hkdfSalt = "post-clipboard-sync-v1"
)

// Error distinguishes the crypto package's failure modes.
type Error struct {
	Kind string // InvalidKey | Decrypt | Sign | Verify | NonceOverflow
	Err  error
}

func (e *Error) Error() string { return fmt.Sprintf("crypto: %s: %v", e.Kind, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func errInvalidKey(err error) error    { return &Error{Kind: "InvalidKey", Err: err} }
func errDecrypt(err error) error       { return &Error{Kind: "Decrypt", Err: err} }
func errSign(err error) error          { return &Error{Kind: "Sign", Err: err} }
func errVerify(err error) error        { return &Error{Kind: "Verify", Err: err} }
func errNonceOverflow(err error) error { return &Error{Kind: "NonceOverflow", Err: err} }

// AgreementKeypair is an X25519 keypair used to derive per-peer session keys.
type AgreementKeypair struct {
	Public  [AgreementSize]byte
	Private [AgreementSize]byte
}

// GenerateAgreementKeypair creates a fresh X25519 keypair.
func GenerateAgreementKeypair() (AgreementKeypair, error) {
	var kp AgreementKeypair
	if _, err := io.ReadFull(rand.Reader, kp.Private[:]); err != nil {
		return AgreementKeypair{}, errInvalidKey(err)
	}
	// Clamp per curve25519 scalar requirements happens inside X25519.
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return AgreementKeypair{}, errInvalidKey(err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// Agree computes the X25519 shared secret between our private scalar and the
// peer's public point.
func Agree(selfPrivate, peerPublic [AgreementSize]byte) ([]byte, error) {
	secret, err := curve25519.X25519(selfPrivate[:], peerPublic[:])
	if err != nil {
		return nil, errInvalidKey(err)
	}
	return secret, nil
}

// SigningKeypair is an Ed25519 keypair authenticating handshakes.
type SigningKeypair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

func GenerateSigningKeypair() (SigningKeypair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return SigningKeypair{}, errInvalidKey(err)
	}
	return SigningKeypair{Public: pub, Private: priv}, nil
}

func Sign(priv ed25519.PrivateKey, msg []byte) []byte {
	return ed25519.Sign(priv, msg)
}

func Verify(pub ed25519.PublicKey, msg, sig []byte) error {
	if !ed25519.Verify(pub, msg, sig) {
		return errVerify(errors.New("signature mismatch"))
	}
	return nil
}

// Canonical orders two node ids lexicographically so both handshake peers
// derive identical HKDF info and therefore the same session key.
func Canonical(a, b string) []byte {
	ids := []string{a, b}
	sort.Strings(ids)
	return []byte(ids[0] + "|" + ids[1])
}

// DeriveSessionKey runs HKDF over the X25519 agreement output with the fixed
// domain-separation salt and the canonicalized pair of node ids as info.
func DeriveSessionKey(agreementSecret []byte, selfID, peerID string) ([]byte, error) {
	newBlake2b256 := func() hash.Hash {
		h, _ := blake2b.New256(nil)
		return h
	}
	reader := hkdf.New(newBlake2b256, agreementSecret, []byte(hkdfSalt), Canonical(selfID, peerID))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, errInvalidKey(err)
	}
	return key, nil
}

// Seal AEAD-encrypts plaintext under key/nonce, binding aad. Returns
// ciphertext||tag.
func Seal(key, nonce, aad, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errInvalidKey(err)
	}
	if len(nonce) != NonceSize {
		return nil, errInvalidKey(errors.New("bad nonce size"))
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// Open AEAD-decrypts ciphertext||tag under key/nonce, verifying aad.
func Open(key, nonce, aad, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errInvalidKey(err)
	}
	if len(nonce) != NonceSize {
		return nil, errDecrypt(errors.New("bad nonce size"))
	}
	pt, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, errDecrypt(err)
	}
	return pt, nil
}

// NewNonce builds a 96-bit nonce as a 32-bit monotonic counter followed by
// 64 random bits. seq must not wrap past its starting value; rotate the
// session before 2^32 messages.
func NewNonce(seq uint32) ([]byte, error) {
	if seq == ^uint32(0) {
		return nil, errNonceOverflow(errors.New("sequence counter exhausted"))
	}
	nonce := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(nonce[:4], seq)
	if _, err := io.ReadFull(rand.Reader, nonce[4:]); err != nil {
		return nil, errInvalidKey(err)
	}
	return nonce, nil
}
