package ratelimit

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/resonancelabs/rail/internal/monitor"
)

func TestAllow_WithinLimit(t *testing.T) {
	l := New(nil)
	for i := 0; i < 5; i++ {
		assert.True(t, l.Allow("agent-a", KindJoin), "join %d should pass", i)
	}
	assert.False(t, l.Allow("agent-a", KindJoin), "sixth join in the window must fail")
}

func TestAllow_WindowSlides(t *testing.T) {
	l := New(nil)
	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 10; i++ {
		assert.True(t, l.Allow("a", KindBroadcast))
	}
	assert.False(t, l.Allow("a", KindBroadcast))

	// One window later the counter has drained.
	l.now = func() time.Time { return base.Add(1100 * time.Millisecond) }
	assert.True(t, l.Allow("a", KindBroadcast))
}

func TestAllow_KeysAreIndependent(t *testing.T) {
	l := New(nil)
	for i := 0; i < 10; i++ {
		l.Allow("a", KindBroadcast)
	}
	assert.False(t, l.Allow("a", KindBroadcast))
	assert.True(t, l.Allow("b", KindBroadcast))
}

func TestAllow_MessageWindow(t *testing.T) {
	l := New(nil)
	for i := 0; i < 100; i++ {
		assert.True(t, l.Allow("a", KindMessage))
	}
	assert.False(t, l.Allow("a", KindMessage))
}

func TestViolationSignal(t *testing.T) {
	mon := monitor.New()
	l := New(mon)
	for i := 0; i < 11; i++ {
		l.Allow("noisy", KindBroadcast)
	}
	assert.Equal(t, int64(1), mon.Stats()[string(monitor.KindRateViolation)])
}

func TestPurge(t *testing.T) {
	l := New(nil)
	for i := 0; i < 10; i++ {
		l.Allow("a", KindBroadcast)
	}
	assert.False(t, l.Allow("a", KindBroadcast))

	l.Purge("a")
	assert.Equal(t, 0, l.ActiveKeys())
	assert.True(t, l.Allow("a", KindBroadcast), "purged clients start a fresh window")
}

func TestManyClients(t *testing.T) {
	l := New(nil)
	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("agent-%d", i)
		assert.True(t, l.Allow(key, KindJoin))
	}
	assert.Equal(t, 50, l.ActiveKeys())
}
