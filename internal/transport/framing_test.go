package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/post-sync/post/internal/crypto"
	"github.com/post-sync/post/internal/payload"
	"github.com/post-sync/post/internal/posterr"
)

func testSharedKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	return key
}

func TestSealOpenRoundTrip(t *testing.T) {
	key := testSharedKey(t)
	now := time.Now()
	sender := NewSession(key, now)
	receiver := NewSession(key, now)

	p := payload.New([]byte("hello clipboard"), payload.MIMEText, "node-a", now)

	env, err := SealPayload(sender, "node-a", p)
	require.NoError(t, err)

	got, err := OpenEnvelope(receiver, env, now, 0)
	require.NoError(t, err)
	require.Equal(t, p.ID, got.ID)
	require.Equal(t, p.Content, got.Content)
}

func TestOpenRejectsReplayedEnvelope(t *testing.T) {
	key := testSharedKey(t)
	now := time.Now()
	sender := NewSession(key, now)
	receiver := NewSession(key, now)

	p := payload.New([]byte("once"), payload.MIMEText, "node-a", now)
	env, err := SealPayload(sender, "node-a", p)
	require.NoError(t, err)

	_, err = OpenEnvelope(receiver, env, now, 0)
	require.NoError(t, err)

	_, err = OpenEnvelope(receiver, env, now, 0)
	require.ErrorIs(t, err, posterr.ErrReplay)
}

func TestOpenRejectsSkewedPayload(t *testing.T) {
	key := testSharedKey(t)
	now := time.Now()
	sender := NewSession(key, now)
	receiver := NewSession(key, now)

	stale := now.Add(-10 * time.Minute)
	p := payload.New([]byte("old"), payload.MIMEText, "node-a", stale)
	env, err := SealPayload(sender, "node-a", p)
	require.NoError(t, err)

	_, err = OpenEnvelope(receiver, env, now, time.Minute)
	require.Error(t, err)
}

func TestAdmitInboundAllowsOutOfOrderWithinWindow(t *testing.T) {
	key := testSharedKey(t)
	now := time.Now()
	sender := NewSession(key, now)
	receiver := NewSession(key, now)

	var envs []Envelope
	for i := 0; i < 5; i++ {
		p := payload.New([]byte("msg"), payload.MIMEText, "node-a", now)
		env, err := SealPayload(sender, "node-a", p)
		require.NoError(t, err)
		envs = append(envs, env)
	}

	// Deliver out of order: 0, 2, 1, 3, 4 -- all within the reorder window.
	order := []int{0, 2, 1, 3, 4}
	for _, idx := range order {
		_, err := OpenEnvelope(receiver, envs[idx], now, 0)
		require.NoError(t, err)
	}
}
