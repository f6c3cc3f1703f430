// Package posterr defines the typed error taxonomy shared by every Post
// component.
package posterr

import (
	"errors"
	"fmt"
)

// Kind classifies an error into one of the recovery buckets the coordinator
// and callers reason about. Overlay, Transport, and Handshake are recovered
// locally with backoff and are never fatal; Config is fatal at startup only.
type Kind string

const (
	KindConfig    Kind = "config"
	KindIO        Kind = "io"
	KindCrypto    Kind = "crypto"
	KindOverlay   Kind = "overlay"
	KindHandshake Kind = "handshake"
	KindTransport Kind = "transport"
	KindClipboard Kind = "clipboard"
)

// Error wraps an underlying cause with a Kind so callers can branch on
// recovery policy without string matching.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds an *Error for the given kind, operation label, and cause.
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Is reports whether err carries the given Kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	for err != nil {
		var pe *Error
		if !errors.As(err, &pe) {
			return false
		}
		if pe.Kind == kind {
			return true
		}
		err = pe.Err
	}
	return false
}

// Sentinel errors for conditions callers need to branch on by identity.
// These are wrapped in a *Error by the package that raises them so both
// errors.Is(err, ErrX) and posterr.Is(err, KindY) work.
var (
	ErrTooLarge           = errors.New("post: payload exceeds max_size_bytes")
	ErrReplay             = errors.New("post: nonce replay detected")
	ErrSkew               = errors.New("post: created_at outside skew window")
	ErrHandshakeTimeout   = errors.New("post: handshake exceeded deadline")
	ErrIdentityChanged    = errors.New("post: peer signing key diverged from pin")
	ErrOverlayUnavailable = errors.New("post: overlay local API unreachable")
	ErrLocked             = errors.New("post: identity store locked by another instance")
	ErrNonceOverflow      = errors.New("post: session sequence counter overflow")
	ErrVersionMismatch    = errors.New("post: handshake version mismatch")
	ErrBadSignature       = errors.New("post: handshake signature verification failed")
	ErrKeyAgreementFailed = errors.New("post: key agreement failed")
	ErrBadConfirm         = errors.New("post: handshake confirm tag invalid")
)
