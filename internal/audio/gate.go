package audio

import (
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"go.uber.org/zap"
)

// TrackGate is the per-track enable switch the gate controller drives. The
// WebRTC adapter's local tracks satisfy it.
type TrackGate interface {
	ID() string
	SetEnabled(enabled bool)
	Enabled() bool
}

// GateStats is a point-in-time snapshot of gating activity.
type GateStats struct {
	AgentSpeaking        bool          `json:"agent_speaking"`
	Muted                bool          `json:"muted"`
	SpeakerOn            bool          `json:"speaker_on"`
	MicEnabled           bool          `json:"mic_enabled"`
	ResumePending        bool          `json:"resume_pending"`
	ResumeCount          int64         `json:"resume_count"`
	SuppressionCount     int64         `json:"suppression_count"`
	EmergencyActivations int64         `json:"emergency_activations"`
	GatingDelay          time.Duration `json:"gating_delay"`
}

// GateController enforces half-duplex audio: the microphone goes silent the
// moment the agent starts speaking and resumes only after a configurable
// anti-echo delay once the agent stops. User mute always wins over the
// automatic gating.
type GateController struct {
	delay time.Duration

	mu            sync.Mutex
	tracks        []TrackGate
	muted         bool
	speakerOn     bool
	agentSpeaking bool
	resumeTimer   *time.Timer
	disposed      bool

	resumeCount          int64
	suppressionCount     int64
	emergencyActivations int64
}

// NewGateController creates a gate controller with the given anti-echo resume
// delay. The delay is clamped to the supported range.
func NewGateController(delay time.Duration) *GateController {
	return &GateController{delay: config.ClampGatingDelay(delay), speakerOn: true}
}

// SetSpeakerOn records the speaker routing choice. Routing itself lives with
// the host platform's output device; the flag only feeds the stats snapshot.
func (g *GateController) SetSpeakerOn(on bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.speakerOn = on
}

// SetTracks replaces the gated track set. Newly attached tracks are
// immediately driven to the current gate decision.
func (g *GateController) SetTracks(tracks []TrackGate) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracks = tracks
	g.applyLocked(g.decisionLocked())
}

// OnAgentModeChange reacts to the agent starting or stopping speech. Start
// suppresses the microphone at once; stop arms a single resume timer that
// re-checks the agent state when it fires, so a quick restart of agent speech
// cancels the pending resume.
func (g *GateController) OnAgentModeChange(speaking bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed || g.agentSpeaking == speaking {
		return
	}
	g.agentSpeaking = speaking
	g.cancelResumeLocked()

	if speaking {
		g.suppressionCount++
		g.applyLocked(false)
		logger.Base().Debug("Microphone suppressed, agent speaking")
		return
	}

	if g.delay == 0 {
		g.resumeLocked()
		return
	}
	g.resumeTimer = time.AfterFunc(g.delay, g.onResumeTimer)
}

// onResumeTimer runs when the anti-echo delay elapses.
func (g *GateController) onResumeTimer() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.resumeTimer = nil
	// Conditions may have changed while the timer was pending.
	if g.disposed || g.agentSpeaking {
		return
	}
	g.resumeLocked()
}

// SetMuted sets the user mute flag. Mute suppresses immediately and cancels
// any pending resume; unmute re-enables only when the agent is silent.
func (g *GateController) SetMuted(muted bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed || g.muted == muted {
		return
	}
	g.muted = muted
	if muted {
		g.cancelResumeLocked()
		g.applyLocked(false)
		return
	}
	if !g.agentSpeaking {
		g.resumeLocked()
	}
}

// Muted reports the user mute flag.
func (g *GateController) Muted() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.muted
}

// EmergencyActivateMicrophone force-enables the microphone regardless of the
// agent state and clears the user mute. Recovery hatch for a stuck gate.
func (g *GateController) EmergencyActivateMicrophone() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return
	}
	g.cancelResumeLocked()
	g.muted = false
	g.agentSpeaking = false
	g.emergencyActivations++
	g.applyLocked(true)
	logger.Base().Warn("Emergency microphone activation")
}

// MicEnabled reports whether all gated tracks currently pass audio.
func (g *GateController) MicEnabled() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.tracks) == 0 {
		return false
	}
	for _, track := range g.tracks {
		if !track.Enabled() {
			return false
		}
	}
	return true
}

// Stats returns a snapshot of gating activity.
func (g *GateController) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	enabled := len(g.tracks) > 0
	for _, track := range g.tracks {
		if !track.Enabled() {
			enabled = false
			break
		}
	}
	return GateStats{
		AgentSpeaking:        g.agentSpeaking,
		Muted:                g.muted,
		SpeakerOn:            g.speakerOn,
		MicEnabled:           enabled,
		ResumePending:        g.resumeTimer != nil,
		ResumeCount:          g.resumeCount,
		SuppressionCount:     g.suppressionCount,
		EmergencyActivations: g.emergencyActivations,
		GatingDelay:          g.delay,
	}
}

// Dispose cancels any pending resume and detaches the tracks. Idempotent.
func (g *GateController) Dispose() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.disposed {
		return
	}
	g.disposed = true
	g.cancelResumeLocked()
	g.applyLocked(false)
	g.tracks = nil
}

// decisionLocked computes whether the microphone should currently be open.
func (g *GateController) decisionLocked() bool {
	return !g.muted && !g.agentSpeaking && g.resumeTimer == nil && !g.disposed
}

func (g *GateController) resumeLocked() {
	g.resumeCount++
	g.applyLocked(g.decisionLocked())
	logger.Base().Debug("Microphone resumed",
		zap.Int64("resume_count", g.resumeCount))
}

func (g *GateController) applyLocked(enabled bool) {
	for _, track := range g.tracks {
		track.SetEnabled(enabled)
	}
}

func (g *GateController) cancelResumeLocked() {
	if g.resumeTimer != nil {
		g.resumeTimer.Stop()
		g.resumeTimer = nil
	}
}
