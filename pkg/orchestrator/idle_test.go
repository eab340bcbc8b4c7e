package orchestrator

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/codelane/maestro/pkg/sandbox"
)

func newTestMonitor() *IdleMonitor {
	return NewIdleMonitor(IdleConfig{
		HeartbeatWindow: 90 * time.Second,
		IdleThreshold:   3 * time.Minute,
		Sweep:           time.Hour,
	}, nil, nil, nil, nil)
}

func ptr(t time.Time) *time.Time { return &t }

func TestAlive(t *testing.T) {
	m := newTestMonitor()
	now := time.Now().UTC()

	// Recent signal: alive.
	assert.True(t, m.alive(idleCandidate{LastSignal: ptr(now.Add(-30 * time.Second))}, now))
	// Stale signal: dead, left to the timeout reaper.
	assert.False(t, m.alive(idleCandidate{LastSignal: ptr(now.Add(-2 * time.Minute))}, now))
	// No events yet: treated as alive so slow boots are not reclaimed early.
	assert.True(t, m.alive(idleCandidate{}, now))
}

func TestIdleDuration(t *testing.T) {
	m := newTestMonitor()
	now := time.Now().UTC()

	// Recent work: not idle.
	_, idle := m.idleDuration(idleCandidate{LastWork: ptr(now.Add(-time.Minute))}, now)
	assert.False(t, idle)

	// Work stopped five minutes ago: idle for five minutes.
	d, idle := m.idleDuration(idleCandidate{LastWork: ptr(now.Add(-5 * time.Minute))}, now)
	assert.True(t, idle)
	assert.Equal(t, 5, int(d.Minutes()))

	// No work events at all: falls back to the task start.
	d, idle = m.idleDuration(idleCandidate{StartedAt: ptr(now.Add(-4 * time.Minute))}, now)
	assert.True(t, idle)
	assert.Equal(t, 4, int(d.Minutes()))

	// Heartbeats alone are not progress: a fresh signal with old work still
	// counts as idle.
	_, idle = m.idleDuration(idleCandidate{
		LastSignal: ptr(now.Add(-10 * time.Second)),
		LastWork:   ptr(now.Add(-10 * time.Minute)),
	}, now)
	assert.True(t, idle)

	// No events at all yet: boot grace, not idle.
	_, idle = m.idleDuration(idleCandidate{}, now)
	assert.False(t, idle)
}

// A sandbox that heartbeats forever without a single work event must still
// be reclaimed: the first signal anchors the idle clock when neither a work
// event nor a start timestamp exists.
func TestIdleHeartbeatOnlySandboxIsReclaimed(t *testing.T) {
	m := newTestMonitor()
	now := time.Now().UTC()

	c := idleCandidate{
		FirstSignal: ptr(now.Add(-6 * time.Hour)),
		LastSignal:  ptr(now.Add(-10 * time.Second)),
	}
	assert.True(t, m.alive(c, now))

	d, idle := m.idleDuration(c, now)
	assert.True(t, idle)
	assert.Equal(t, 6, int(d.Hours()))
}

func TestWorkEventTypesMatchSandboxSet(t *testing.T) {
	for _, e := range workEventTypes() {
		assert.True(t, sandbox.IsWorkEvent(e), e)
	}
	assert.NotContains(t, workEventTypes(), sandbox.EventHeartbeat)
	assert.NotContains(t, workEventTypes(), sandbox.EventStarted)
	assert.NotContains(t, workEventTypes(), sandbox.EventThinking)
	assert.NotContains(t, workEventTypes(), sandbox.EventError)
}

func TestDispatcherStopIdempotent(t *testing.T) {
	d := NewDispatcher(DispatcherConfig{}, nil, nil, nil, nil, nil, nil)
	d.Stop()
	d.Stop()
}
