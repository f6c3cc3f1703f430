// Package payload defines the canonical clipboard value Post moves between
// peers.
package payload

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"
)

// MIME is advisory; receivers always apply content as opaque bytes.
type MIME string

const (
	MIMEText MIME = "text"
	MIMEURL  MIME = "url"
	MIMEHTML MIME = "html"
)

// NodeId stably identifies one daemon instance across process restarts.
type NodeId string

// Payload is the canonical representation of a clipboard value.
type Payload struct {
	ID         uuid.UUID `json:"id"`
	Content    []byte    `json:"content"`
	Mime       MIME      `json:"mime"`
	OriginNode NodeId    `json:"origin_node"`
	CreatedAt  time.Time `json:"created_at"`
}

// New stamps a freshly captured local payload: a new id, the local node as
// origin, and the current time.
func New(content []byte, mime MIME, origin NodeId, now time.Time) Payload {
	return Payload{
		ID:         uuid.New(),
		Content:    content,
		Mime:       mime,
		OriginNode: origin,
		CreatedAt:  now,
	}
}

// Fingerprint is the BLAKE2 digest of content used to detect equivalence
// without comparing full payload bytes.
type Fingerprint [32]byte

func FingerprintOf(content []byte) Fingerprint {
	return Fingerprint(blake2b.Sum256(content))
}

func (f Fingerprint) Equal(other Fingerprint) bool { return f == other }

// Encode/Decode round-trip a Payload through JSON, the same wire encoding
// the overlay's local API and the transport endpoints already speak.
func Encode(p Payload) ([]byte, error) {
	return json.Marshal(p)
}

func Decode(b []byte) (Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return Payload{}, err
	}
	return p, nil
}
