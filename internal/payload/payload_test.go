package payload

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	p := New([]byte("hello"), MIMEText, NodeId("A"), time.Now().UTC())

	b, err := Encode(p)
	require.NoError(t, err)

	got, err := Decode(b)
	require.NoError(t, err)

	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Content, got.Content)
	require.Equal(t, p.Mime, got.Mime)
	require.Equal(t, p.OriginNode, got.OriginNode)
	require.True(t, p.CreatedAt.Equal(got.CreatedAt))
}

func TestFingerprintStableAndSensitive(t *testing.T) {
	a := FingerprintOf([]byte("apple"))
	b := FingerprintOf([]byte("apple"))
	c := FingerprintOf([]byte("banana"))

	require.True(t, a.Equal(b))
	require.False(t, a.Equal(c))
}

func TestFingerprintEmptyContent(t *testing.T) {
	a := FingerprintOf([]byte(""))
	b := FingerprintOf(nil)
	require.True(t, a.Equal(b))
}
