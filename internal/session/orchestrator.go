package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/adapters/webrtc"
	"github.com/ClareAI/astra-voice-client/internal/audio"
	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/internal/credentials"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Orchestrator drives one voice session end to end: credential acquisition,
// connection establishment with retries, half-duplex audio control and user
// commands. All conversation events flow through the event bus, so handler
// order matches wire order.
type Orchestrator struct {
	cfg     *config.SessionConfig
	manager *credentials.Manager
	bus     *event.Bus
	capture webrtc.CaptureDevice

	gate     *audio.GateController
	player   *audio.Player
	detector *audio.Detector
	levels   *audio.FrameLevelSource

	sessionID  string
	newAttempt attemptFactory
	backoff    func(attempt int) time.Duration

	mu                 sync.Mutex
	state              ConversationState
	stateBeforePlaying ConversationState
	attempt            connectionAttempt
	subs               []event.Subscription
	initialized        bool
	disposed           bool
}

// NewOrchestrator wires a session from its collaborators. The sink receives
// decoded agent audio; pass the platform's output device.
func NewOrchestrator(cfg *config.SessionConfig, manager *credentials.Manager, bus *event.Bus, capture webrtc.CaptureDevice, sink audio.Sink) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		manager:   manager,
		bus:       bus,
		capture:   capture,
		gate:      audio.NewGateController(cfg.MicGatingDelay),
		player:    audio.NewPlayer(sink),
		levels:    &audio.FrameLevelSource{},
		sessionID: uuid.NewString(),
		state:     StateIdle,
	}
	o.newAttempt = newWebRTCAttempt
	o.backoff = backoffDelay
	o.detector = audio.NewDetector(o.levels, cfg.VADThreshold)
	o.player.OnPlaybackChange = o.onPlaybackChange
	return o
}

// SessionID returns the session identifier.
func (o *Orchestrator) SessionID() string {
	return o.sessionID
}

// State returns the current conversation state.
func (o *Orchestrator) State() ConversationState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ConversationID returns the id announced by the agent, if connected.
func (o *Orchestrator) ConversationID() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.attempt == nil {
		return ""
	}
	return o.attempt.ConversationID()
}

// Initialize obtains credentials and establishes the session. Connection
// attempts retry with exponential backoff; when all retries fail, credentials
// are refreshed once and a final attempt runs on completely fresh instances.
// A second call on a live session is a no-op.
func (o *Orchestrator) Initialize(ctx context.Context) error {
	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return fmt.Errorf("session orchestrator disposed")
	}
	if o.initialized {
		o.mu.Unlock()
		return nil
	}
	o.initialized = true
	o.mu.Unlock()

	if err := o.subscribeEvents(); err != nil {
		o.markFailed()
		return err
	}
	o.setState(StateConnecting)

	if err := o.manager.Initialize(ctx); err != nil {
		o.markFailed()
		return fmt.Errorf("credential manager initialization failed: %w", err)
	}
	if o.cfg.AgentID != "" && o.cfg.CredentialEndpoint != "" {
		if err := o.manager.SetAgentConfiguration(ctx, o.cfg.AgentID, o.cfg.CredentialEndpoint); err != nil {
			o.markFailed()
			return fmt.Errorf("failed to configure agent: %w", err)
		}
	}

	creds, err := o.manager.GetValidCredentials(ctx)
	if err != nil {
		o.markFailed()
		return fmt.Errorf("failed to obtain credentials: %w", err)
	}

	if err := o.connectWithRetry(ctx, creds); err != nil {
		o.markFailed()
		return err
	}

	o.setState(StateConnected)
	o.detector.Start(ctx)
	logger.Base().Info("Voice session established",
		zap.String("session_id", o.sessionID),
		zap.String("conversation_id", o.ConversationID()))
	return nil
}

// connectWithRetry runs the primary attempt loop and the single
// fresh-credentials fallback.
func (o *Orchestrator) connectWithRetry(ctx context.Context, creds credentials.Credentials) error {
	var lastErr error
	for i := 1; i <= config.SignalingMaxAttempts; i++ {
		if err := o.tryOnce(ctx, creds); err != nil {
			lastErr = err
			logger.Base().Warn("Connection attempt failed",
				zap.String("session_id", o.sessionID),
				zap.Int("attempt", i),
				zap.Error(err))
			if i == config.SignalingMaxAttempts {
				break
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.backoff(i)):
			}
			continue
		}
		return nil
	}

	// Stale credentials are the most common cause of repeated failures. The
	// fallback attempt runs either way; a failed refresh just reuses the
	// credentials already in hand.
	logger.Base().Info("Primary attempts exhausted, refreshing credentials for fallback",
		zap.String("session_id", o.sessionID))
	fallbackCreds := creds
	if err := o.manager.RefreshCredentials(ctx); err != nil {
		logger.Base().Warn("Credential refresh for fallback failed, reusing current credentials",
			zap.String("session_id", o.sessionID),
			zap.Error(err))
	} else if fresh, err := o.manager.GetValidCredentials(ctx); err == nil {
		fallbackCreds = fresh
	}
	if err := o.tryOnce(ctx, fallbackCreds); err != nil {
		return fmt.Errorf("fallback attempt failed after %d primary attempts: %w (last primary error: %v)",
			config.SignalingMaxAttempts, err, lastErr)
	}
	return nil
}

// tryOnce runs one attempt on fresh instances, tearing them down on failure.
// The attempt only counts as established once WebRTC negotiation completes.
func (o *Orchestrator) tryOnce(ctx context.Context, creds credentials.Credentials) error {
	attempt := o.newAttempt(o)
	if err := attempt.Connect(ctx, creds); err != nil {
		attempt.Dispose()
		return err
	}
	readyCtx, cancel := context.WithTimeout(ctx, config.DefaultConnectionTimeout)
	err := attempt.WaitReady(readyCtx)
	cancel()
	if err != nil {
		attempt.Dispose()
		return fmt.Errorf("webrtc negotiation did not complete: %w", err)
	}
	o.mu.Lock()
	o.attempt = attempt
	o.mu.Unlock()
	return nil
}

// ToggleRecording flips the microphone between open and muted. Only legal on
// an established session.
func (o *Orchestrator) ToggleRecording() string {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	switch state {
	case StateRecording:
		o.gate.SetMuted(true)
		o.setState(StateConnected)
		o.publishRecording(false)
		return "recording stopped"
	case StateConnected:
		o.gate.SetMuted(false)
		o.setState(StateRecording)
		o.publishRecording(true)
		return "recording started"
	case StatePlaying:
		return "failed: agent audio is playing"
	default:
		return fmt.Sprintf("failed: session not connected (state %s)", state)
	}
}

// TriggerInterruption cuts agent playback short. Only meaningful while agent
// audio is playing.
func (o *Orchestrator) TriggerInterruption() string {
	o.mu.Lock()
	state := o.state
	o.mu.Unlock()

	if state != StatePlaying {
		return "nothing to interrupt"
	}
	o.player.Interrupt()
	o.gate.OnAgentModeChange(false)
	o.restoreAfterPlayback()
	return "interrupted"
}

// EmergencyActivateMicrophone force-opens the microphone.
func (o *Orchestrator) EmergencyActivateMicrophone() {
	o.gate.EmergencyActivateMicrophone()
	o.mu.Lock()
	if connectedFamily(o.state) {
		o.mu.Unlock()
		o.setState(StateRecording)
		return
	}
	o.mu.Unlock()
}

// FeedCapturedFrame lets the host report captured PCM for voice activity
// tracking. The frame itself travels through the capture device.
func (o *Orchestrator) FeedCapturedFrame(samples []int16) {
	o.levels.Feed(samples)
}

// Quality returns the current media path quality snapshot.
func (o *Orchestrator) Quality() webrtc.QualitySnapshot {
	o.mu.Lock()
	attempt := o.attempt
	o.mu.Unlock()
	if attempt == nil {
		return webrtc.QualitySnapshot{}
	}
	return attempt.Quality()
}

// AudioStats bundles the audio subsystem snapshots.
type AudioStats struct {
	Gate         audio.GateStats   `json:"gate"`
	Player       audio.PlayerStats `json:"player"`
	InputLevel   float64           `json:"input_level"`
	VoiceActive  bool              `json:"voice_active"`
	VADThreshold float64           `json:"vad_threshold"`
}

// AudioStats returns gate, playback and voice-activity snapshots.
func (o *Orchestrator) AudioStats() AudioStats {
	return AudioStats{
		Gate:         o.gate.Stats(),
		Player:       o.player.Stats(),
		InputLevel:   o.detector.LastLevel(),
		VoiceActive:  o.detector.Active(),
		VADThreshold: o.cfg.VADThreshold,
	}
}

// EndSession tears down the connection but keeps the orchestrator reusable
// for inspection. Idempotent.
func (o *Orchestrator) EndSession() {
	o.mu.Lock()
	attempt := o.attempt
	o.attempt = nil
	wasInitialized := o.initialized
	o.initialized = false
	o.mu.Unlock()

	o.detector.Stop()
	// Idle is entered before the teardown so the disconnect events the
	// teardown emits are not mistaken for a live-session failure.
	if wasInitialized {
		o.setState(StateIdle)
	}
	if attempt != nil {
		attempt.Dispose()
	}
	if wasInitialized {
		logger.Base().Info("Voice session ended", zap.String("session_id", o.sessionID))
	}
}

// Dispose releases everything. The orchestrator is unusable afterwards.
func (o *Orchestrator) Dispose() {
	o.EndSession()

	o.mu.Lock()
	if o.disposed {
		o.mu.Unlock()
		return
	}
	o.disposed = true
	subs := o.subs
	o.subs = nil
	o.mu.Unlock()

	for _, sub := range subs {
		_ = o.bus.Unsubscribe(sub)
	}
	o.gate.Dispose()
	o.player.Dispose()
}

// attachTracks hands freshly acquired local tracks to the gate.
func (o *Orchestrator) attachTracks(tracks []*webrtc.GatedTrack) {
	gates := make([]audio.TrackGate, len(tracks))
	for i, track := range tracks {
		gates[i] = track
	}
	o.gate.SetTracks(gates)
}

// onRemotePCM feeds decoded agent media into playback.
func (o *Orchestrator) onRemotePCM(samples []int16) {
	_ = o.player.Enqueue(samples)
}

// subscribeEvents registers the bus handlers exactly once per orchestrator
// lifetime; a re-initialization after EndSession must not register them a
// second time.
func (o *Orchestrator) subscribeEvents() error {
	o.mu.Lock()
	if len(o.subs) > 0 {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	handlers := map[event.EventType]event.Handler{
		event.AgentAudio:        o.onAgentAudio,
		event.AgentInterruption: o.onAgentInterruption,
		event.VADNotice:         o.onVADNotice,
		event.SessionError:      o.onSessionFailure,
		event.PeerDisconnected:  o.onSessionFailure,
	}
	for eventType, handler := range handlers {
		sub, err := o.bus.Subscribe(eventType, handler)
		if err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", eventType, err)
		}
		o.mu.Lock()
		o.subs = append(o.subs, sub)
		o.mu.Unlock()
	}
	return nil
}

// onAgentAudio treats an inline audio chunk as the agent speaking: gate the
// microphone, queue the chunk and enter playing.
func (o *Orchestrator) onAgentAudio(evt *event.SessionEvent) {
	data, ok := evt.Data.(*event.AudioEventData)
	if !ok {
		return
	}
	o.gate.OnAgentModeChange(true)
	// State moves before the chunk is queued so the playback-drained edge
	// always observes playing.
	o.enterPlaying()
	if err := o.player.EnqueueBase64(data.AudioBase64); err != nil {
		logger.Base().Warn("Dropping undecodable agent audio chunk",
			zap.String("session_id", o.sessionID),
			zap.Error(err))
	}
}

func (o *Orchestrator) onAgentInterruption(evt *event.SessionEvent) {
	o.player.Interrupt()
	o.gate.OnAgentModeChange(false)
	o.restoreAfterPlayback()
}

// onSessionFailure reacts to unrecoverable failures surfaced after the
// session is established: signaling socket loss, negotiation errors and the
// peer connection dropping. The attempt is torn down and the session moves to
// error; during connecting the retry loop owns failure handling instead.
func (o *Orchestrator) onSessionFailure(evt *event.SessionEvent) {
	o.mu.Lock()
	if !connectedFamily(o.state) {
		o.mu.Unlock()
		return
	}
	attempt := o.attempt
	o.attempt = nil
	o.initialized = false
	o.mu.Unlock()

	logger.Base().Warn("Session failed",
		zap.String("session_id", o.sessionID),
		zap.String("event", string(evt.Type)),
		zap.Error(evt.Error))

	o.detector.Stop()
	o.player.Interrupt()
	if attempt != nil {
		attempt.Dispose()
	}
	o.setState(StateError)
}

// onVADNotice maps agent-side voice activity notices onto the gate.
func (o *Orchestrator) onVADNotice(evt *event.SessionEvent) {
	data, ok := evt.Data.(*event.VADEventData)
	if !ok {
		return
	}
	o.gate.OnAgentModeChange(data.Mode == "agent_speaking")
}

// onPlaybackChange follows the player's idle<->playing edges.
func (o *Orchestrator) onPlaybackChange(playing bool) {
	if playing {
		return
	}
	o.gate.OnAgentModeChange(false)
	o.restoreAfterPlayback()
}

// enterPlaying moves to playing, remembering where to come back to.
func (o *Orchestrator) enterPlaying() {
	o.mu.Lock()
	if !connectedFamily(o.state) || o.state == StatePlaying {
		o.mu.Unlock()
		return
	}
	o.stateBeforePlaying = o.state
	o.mu.Unlock()
	o.setState(StatePlaying)
}

// restoreAfterPlayback returns from playing to the pre-playback state.
func (o *Orchestrator) restoreAfterPlayback() {
	o.mu.Lock()
	if o.state != StatePlaying {
		o.mu.Unlock()
		return
	}
	restored := o.stateBeforePlaying
	if restored == "" {
		restored = StateConnected
	}
	o.mu.Unlock()
	o.setState(restored)
}

func (o *Orchestrator) markFailed() {
	o.mu.Lock()
	o.initialized = false
	o.mu.Unlock()
	o.setState(StateError)
}

func (o *Orchestrator) setState(next ConversationState) {
	o.mu.Lock()
	prev := o.state
	if prev == next {
		o.mu.Unlock()
		return
	}
	o.state = next
	o.mu.Unlock()

	logger.Base().Debug("Session state changed",
		zap.String("session_id", o.sessionID),
		zap.String("previous", string(prev)),
		zap.String("current", string(next)))
	if err := o.bus.Publish(event.SessionStateChanged, o.sessionID, &event.StateEventData{
		Previous: string(prev),
		Current:  string(next),
	}); err != nil {
		logger.Base().Debug("Event bus rejected publish", zap.Error(err))
	}
}

func (o *Orchestrator) publishRecording(recording bool) {
	if err := o.bus.Publish(event.RecordingChanged, o.sessionID, &event.RecordingEventData{
		Recording: recording,
	}); err != nil {
		logger.Base().Debug("Event bus rejected publish", zap.Error(err))
	}
}
