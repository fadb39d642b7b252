package auth

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resonancelabs/rail/internal/monitor"
	"github.com/resonancelabs/rail/internal/store"
)

func TestEnroll_GeneratesSecretOnce(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)

	secret, err := r.Enroll("agent-a", "")
	require.NoError(t, err)
	assert.Len(t, secret, 64, "generated secret is 32 random bytes hex")
	assert.True(t, r.Enrolled("agent-a"))
	assert.False(t, r.Enrolled("agent-b"))
}

func TestValidateToken_HappyPath(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)
	secret, err := r.Enroll("agent-a", "")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	tok := Token{
		AgentID:   "agent-a",
		Timestamp: now,
		Nonce:     "nonce-1",
		Signature: SignToken(secret, "agent-a", now, "nonce-1"),
	}
	assert.NoError(t, r.ValidateToken(tok))
}

func TestValidateToken_UniformDenial(t *testing.T) {
	mon := monitor.New()
	r := NewRegistry("admin-secret", nil, mon)
	secret, err := r.Enroll("agent-a", "")
	require.NoError(t, err)

	now := time.Now().UnixMilli()

	cases := []struct {
		name string
		tok  Token
	}{
		{"unknown agent", Token{AgentID: "ghost", Timestamp: now, Nonce: "n",
			Signature: SignToken(secret, "ghost", now, "n")}},
		{"stale timestamp", Token{AgentID: "agent-a", Timestamp: now - 60_000, Nonce: "n2",
			Signature: SignToken(secret, "agent-a", now-60_000, "n2")}},
		{"future timestamp", Token{AgentID: "agent-a", Timestamp: now + 60_000, Nonce: "n3",
			Signature: SignToken(secret, "agent-a", now+60_000, "n3")}},
		{"bad signature", Token{AgentID: "agent-a", Timestamp: now, Nonce: "n4",
			Signature: "deadbeef"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := r.ValidateToken(tc.tok)
			assert.ErrorIs(t, err, ErrDenied, "every failure collapses to the same error")
		})
	}
	assert.Equal(t, int64(4), mon.Stats()[string(monitor.KindAuthFailure)])
}

func TestValidateToken_NonceReplay(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)
	secret, err := r.Enroll("agent-a", "")
	require.NoError(t, err)

	now := time.Now().UnixMilli()
	tok := Token{
		AgentID:   "agent-a",
		Timestamp: now,
		Nonce:     "replayed",
		Signature: SignToken(secret, "agent-a", now, "replayed"),
	}
	require.NoError(t, r.ValidateToken(tok))
	assert.ErrorIs(t, r.ValidateToken(tok), ErrDenied, "a nonce validates at most once")
}

func TestReconnectToken_SingleUse(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)

	token, err := r.IssueReconnectToken("agent-a")
	require.NoError(t, err)
	assert.Len(t, token, 64)

	agentID, err := r.ConsumeReconnectToken(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", agentID)

	_, err = r.ConsumeReconnectToken(token)
	assert.ErrorIs(t, err, ErrDenied, "a reconnect token is valid for at most one reconnect")
}

func TestReconnectToken_Expiry(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)
	r.reconnectTTL = -time.Second // issue already expired

	token, err := r.IssueReconnectToken("agent-a")
	require.NoError(t, err)

	_, err = r.ConsumeReconnectToken(token)
	assert.ErrorIs(t, err, ErrDenied)

	r.reconnectTTL = time.Minute
	_, err = r.IssueReconnectToken("agent-b")
	require.NoError(t, err)
	assert.Equal(t, 1, r.SweepReconnectTokens(), "sweep removes only the expired entry")
}

func TestRestore_RoundTripsThroughStore(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "rail.db"))
	require.NoError(t, err)
	defer st.Close()

	r1 := NewRegistry("admin-secret", st, nil)
	secret, err := r1.Enroll("agent-a", "")
	require.NoError(t, err)

	// A fresh registry with the same admin secret restores the enrollment.
	r2 := NewRegistry("admin-secret", st, nil)
	require.NoError(t, r2.Restore())
	require.True(t, r2.Enrolled("agent-a"))

	now := time.Now().UnixMilli()
	tok := Token{
		AgentID:   "agent-a",
		Timestamp: now,
		Nonce:     "after-restart",
		Signature: SignToken(secret, "agent-a", now, "after-restart"),
	}
	assert.NoError(t, r2.ValidateToken(tok))

	// A registry under a different admin secret cannot decrypt; the agent is
	// simply not enrolled there.
	r3 := NewRegistry("other-admin-secret", st, nil)
	require.NoError(t, r3.Restore())
	assert.False(t, r3.Enrolled("agent-a"))
}

func TestSessionJWT_RoundTrip(t *testing.T) {
	r := NewRegistry("admin-secret", nil, nil)

	token, err := r.IssueSessionJWT("agent-browser")
	require.NoError(t, err)

	sub, err := r.VerifySessionJWT(token)
	require.NoError(t, err)
	assert.Equal(t, "agent-browser", sub)

	_, err = r.VerifySessionJWT(token + "tampered")
	assert.ErrorIs(t, err, ErrDenied)
}

func TestObserverPlatforms(t *testing.T) {
	assert.True(t, IsObserverPlatform("moltyverse"))
	assert.True(t, IsObserverPlatform("observer"))
	assert.True(t, IsObserverPlatform("browser-runtime"))
	assert.False(t, IsObserverPlatform("cli"))
}
