package presence

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ now time.Time }

func (c *fakeClock) Now() time.Time { return c.now }

func TestMonitorThresholdBoundary(t *testing.T) {
	clock := &fakeClock{now: t0}
	m := NewMonitor(NewStore(), WithClock(clock.Now))
	p := Participant{ID: "u1", LastActivity: t0}

	clock.now = t0.Add(OnlineThreshold - time.Millisecond)
	assert.True(t, m.IsOnline(p))

	clock.now = t0.Add(OnlineThreshold)
	assert.False(t, m.IsOnline(p))
}

func TestMonitorZeroActivityIsOffline(t *testing.T) {
	m := NewMonitor(NewStore())
	assert.False(t, m.IsOnline(Participant{ID: "u1"}))
}

func TestMonitorRecordActivity(t *testing.T) {
	clock := &fakeClock{now: t0}
	s := NewStore()
	m := NewMonitor(s, WithClock(clock.Now), WithThreshold(time.Minute))
	s.Join(Participant{ID: "u1"}, t0)

	clock.now = t0.Add(2 * time.Minute)
	snap := m.Annotate(s.Snapshot())
	require.Len(t, snap, 1)
	assert.False(t, snap[0].Online)

	p, ok := m.RecordActivity("u1")
	require.True(t, ok)
	assert.Equal(t, clock.now, p.LastActivity)
	assert.True(t, m.Annotate(s.Snapshot())[0].Online)

	_, ok = m.RecordActivity("ghost")
	assert.False(t, ok)
}

func TestMonitorRecordActivityAtNeverGoesBack(t *testing.T) {
	s := NewStore()
	m := NewMonitor(s)
	s.Join(Participant{ID: "u1"}, t0)

	p, ok := m.RecordActivityAt("u1", t0.Add(-time.Hour))
	require.True(t, ok)
	assert.Equal(t, t0, p.LastActivity)
}
