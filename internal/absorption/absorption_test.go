package absorption

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observeN(p *Protocol, agentID string, emb []float64, n int) *Candidate {
	var c *Candidate
	for i := 0; i < n; i++ {
		c = p.Observe(agentID, emb)
	}
	return c
}

func TestObserve_FirstContact(t *testing.T) {
	p := New()
	c := p.Observe("agent-a", nil)
	assert.Equal(t, StageObserved, c.Stage)
	assert.Equal(t, 1, c.Interactions)
	assert.Nil(t, c.Capabilities(), "observed candidates hold no capabilities")
}

func TestObserve_AdvancesToAssessed(t *testing.T) {
	p := New()
	c := observeN(p, "agent-a", []float64{1, 0}, 3)
	assert.Equal(t, StageAssessed, c.Stage)
}

func TestInvite_GatesOnStage(t *testing.T) {
	p := New()
	p.Observe("agent-a", nil)
	err := p.InviteCandidate("agent-a")
	assert.Error(t, err, "observed candidates cannot be invited")

	err = p.InviteCandidate("missing")
	assert.Error(t, err)
}

func TestFullPipeline(t *testing.T) {
	p := New()
	emb := []float64{0.6, 0.8}

	c := observeN(p, "agent-a", emb, 3)
	require.Equal(t, StageAssessed, c.Stage)

	require.NoError(t, p.InviteCandidate("agent-a"))
	got, ok := p.Get("agent-a")
	require.True(t, ok)
	require.Equal(t, StageInvited, got.Stage)

	accepted, err := p.AcceptInvitation("agent-a")
	require.NoError(t, err)
	assert.Equal(t, StageConnected, accepted.Stage)
	assert.ElementsMatch(t, []string{"message", "broadcast", "coherence"}, accepted.Capabilities())

	// Sustained interaction advances to syncing, then absorbed.
	c = observeN(p, "agent-a", emb, 5)
	assert.Equal(t, StageAbsorbed, c.Stage)
	assert.Contains(t, c.Capabilities(), "spawn")
	assert.Contains(t, c.Capabilities(), "admin")
}

func TestAlignment_AgainstAbsorbedMean(t *testing.T) {
	p := New()
	emb := []float64{1, 0}

	// Bootstrap one absorbed member.
	observeN(p, "founder", emb, 3)
	require.NoError(t, p.InviteCandidate("founder"))
	_, err := p.AcceptInvitation("founder")
	require.NoError(t, err)
	c := observeN(p, "founder", emb, 5)
	require.Equal(t, StageAbsorbed, c.Stage)

	// An aligned newcomer advances; an orthogonal one stalls at observed.
	aligned := observeN(p, "aligned", []float64{0.9, 0.1}, 3)
	assert.Equal(t, StageAssessed, aligned.Stage)

	orthogonal := observeN(p, "orthogonal", []float64{0, 1}, 5)
	assert.Equal(t, StageObserved, orthogonal.Stage)
	assert.Less(t, orthogonal.Alignment, 0.7)
}

func TestNoDowngrade(t *testing.T) {
	p := New()
	c := observeN(p, "agent-a", []float64{1, 0}, 3)
	require.Equal(t, StageAssessed, c.Stage)

	p.advanceLocked(c, StageObserved)
	assert.Equal(t, StageAssessed, c.Stage, "stage transitions are monotonic forward")
}

func TestRemove(t *testing.T) {
	p := New()
	p.Observe("agent-a", nil)
	p.Remove("agent-a")
	_, ok := p.Get("agent-a")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	p := New()
	p.Observe("a", nil)
	p.Observe("b", nil)
	observeN(p, "c", []float64{1, 0}, 3)

	stats := p.Stats()
	assert.Equal(t, 2, stats[string(StageObserved)])
	assert.Equal(t, 1, stats[string(StageAssessed)])
}
