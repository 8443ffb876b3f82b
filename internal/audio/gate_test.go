package audio

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeTrack struct {
	id      string
	enabled atomic.Bool
}

func newFakeTrack(id string) *fakeTrack {
	t := &fakeTrack{id: id}
	t.enabled.Store(true)
	return t
}

func (t *fakeTrack) ID() string            { return t.id }
func (t *fakeTrack) SetEnabled(value bool) { t.enabled.Store(value) }
func (t *fakeTrack) Enabled() bool         { return t.enabled.Load() }

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestGate_AgentSpeechSuppressesImmediately(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(20 * time.Millisecond)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})
	require.True(t, g.MicEnabled())

	g.OnAgentModeChange(true)
	assert.False(t, track.Enabled())
	assert.False(t, g.MicEnabled())
}

func TestGate_ResumeAfterDelay(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(20 * time.Millisecond)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.OnAgentModeChange(false)

	// Still suppressed during the anti-echo window.
	assert.False(t, track.Enabled())
	waitUntil(t, track.Enabled)
}

func TestGate_SpeechRestartCancelsPendingResume(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(30 * time.Millisecond)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.OnAgentModeChange(false)
	g.OnAgentModeChange(true) // restart within the delay window

	time.Sleep(80 * time.Millisecond)
	assert.False(t, track.Enabled(), "resume must not fire while agent speaks again")

	g.OnAgentModeChange(false)
	waitUntil(t, track.Enabled)
}

func TestGate_ZeroDelayResumesImmediately(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(0)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.OnAgentModeChange(false)
	assert.True(t, track.Enabled())
}

func TestGate_MuteWinsOverResume(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(10 * time.Millisecond)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.SetMuted(true)
	g.OnAgentModeChange(false)

	time.Sleep(50 * time.Millisecond)
	assert.False(t, track.Enabled(), "muted microphone never resumes")

	g.SetMuted(false)
	assert.True(t, track.Enabled(), "unmute while agent silent resumes at once")
}

func TestGate_UnmuteDuringAgentSpeechStaysSuppressed(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(0)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.SetMuted(true)
	g.SetMuted(false)
	assert.False(t, track.Enabled())
}

func TestGate_LateAttachedTracksFollowCurrentDecision(t *testing.T) {
	g := NewGateController(0)
	defer g.Dispose()
	g.SetMuted(true)

	// A reconnect hands the same gate a fresh track set.
	track := newFakeTrack("microphone")
	g.SetTracks([]TrackGate{track})
	assert.False(t, track.Enabled(), "tracks attached while muted stay closed")

	g.SetMuted(false)
	replacement := newFakeTrack("microphone-2")
	g.SetTracks([]TrackGate{replacement})
	assert.True(t, replacement.Enabled(), "tracks attached on an open gate pass audio")
}

func TestGate_EmergencyActivation(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(time.Second)
	defer g.Dispose()
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.SetMuted(true)
	require.False(t, track.Enabled())

	g.EmergencyActivateMicrophone()
	assert.True(t, track.Enabled())
	assert.False(t, g.Muted())
	assert.Equal(t, int64(1), g.Stats().EmergencyActivations)
}

func TestGate_StatsAndDispose(t *testing.T) {
	track := newFakeTrack("microphone")
	g := NewGateController(5 * time.Millisecond)
	g.SetTracks([]TrackGate{track})

	g.OnAgentModeChange(true)
	g.OnAgentModeChange(false)
	waitUntil(t, track.Enabled)

	stats := g.Stats()
	assert.Equal(t, int64(1), stats.SuppressionCount)
	assert.Equal(t, int64(1), stats.ResumeCount)
	assert.False(t, stats.ResumePending)

	g.Dispose()
	g.Dispose()
	assert.False(t, track.Enabled(), "dispose leaves tracks disabled")
	g.OnAgentModeChange(true) // no-op after dispose
}
