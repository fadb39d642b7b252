package monitor

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRecordAndStats(t *testing.T) {
	m := New()
	m.Record(KindAuthFailure, "agent-a", nil)
	m.Record(KindAuthFailure, "agent-b", nil)
	m.Record(KindFirewallBlocked, "agent-a", map[string]any{"score": 5.0})

	stats := m.Stats()
	assert.Equal(t, int64(2), stats[string(KindAuthFailure)])
	assert.Equal(t, int64(1), stats[string(KindFirewallBlocked)])
}

func TestRecent_NewestLast(t *testing.T) {
	m := New()
	m.Record(KindRateViolation, "agent-a", nil)
	m.Record(KindFloodDetected, "agent-b", nil)

	recent := m.Recent(0)
	assert.Len(t, recent, 2)
	assert.Equal(t, KindFloodDetected, recent[1].Kind)

	one := m.Recent(1)
	assert.Len(t, one, 1)
	assert.Equal(t, KindFloodDetected, one[0].Kind)
}

func TestRecent_RingIsBounded(t *testing.T) {
	m := New()
	for i := 0; i < recentCap+50; i++ {
		m.Record(KindAuthFailure, fmt.Sprintf("agent-%d", i), nil)
	}
	recent := m.Recent(0)
	assert.Len(t, recent, recentCap)
	// The oldest entries were evicted.
	assert.Equal(t, "agent-50", recent[0].AgentID)
}
