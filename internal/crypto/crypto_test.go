package crypto

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	nonce, err := NewNonce(1)
	require.NoError(t, err)

	aad := []byte("aad")
	plaintext := []byte("hello peer")

	ct, err := Seal(key, nonce, aad, plaintext)
	require.NoError(t, err)

	pt, err := Open(key, nonce, aad, ct)
	require.NoError(t, err)
	require.Equal(t, plaintext, pt)
}

func TestOpenRejectsTamperedAAD(t *testing.T) {
	key := make([]byte, KeySize)
	nonce, err := NewNonce(1)
	require.NoError(t, err)

	ct, err := Seal(key, nonce, []byte("aad-a"), []byte("msg"))
	require.NoError(t, err)

	_, err = Open(key, nonce, []byte("aad-b"), ct)
	require.Error(t, err)
}

func TestAgreementSymmetricAndDerivedKeysMatch(t *testing.T) {
	a, err := GenerateAgreementKeypair()
	require.NoError(t, err)
	b, err := GenerateAgreementKeypair()
	require.NoError(t, err)

	secretA, err := Agree(a.Private, b.Public)
	require.NoError(t, err)
	secretB, err := Agree(b.Private, a.Public)
	require.NoError(t, err)
	require.Equal(t, secretA, secretB)

	keyAB, err := DeriveSessionKey(secretA, "A", "B")
	require.NoError(t, err)
	keyBA, err := DeriveSessionKey(secretB, "B", "A")
	require.NoError(t, err)
	require.Equal(t, keyAB, keyBA)
}

func TestSignVerify(t *testing.T) {
	kp, err := GenerateSigningKeypair()
	require.NoError(t, err)

	msg := []byte("handshake payload")
	sig := Sign(kp.Private, msg)
	require.NoError(t, Verify(kp.Public, msg, sig))

	require.Error(t, Verify(kp.Public, []byte("tampered"), sig))
}

func TestNewNonceRejectsOverflow(t *testing.T) {
	_, err := NewNonce(^uint32(0))
	require.Error(t, err)
}

func TestCanonicalOrderIndependent(t *testing.T) {
	require.Equal(t, Canonical("A", "B"), Canonical("B", "A"))
}
