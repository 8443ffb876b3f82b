package session

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/adapters/webrtc"
	"github.com/ClareAI/astra-voice-client/internal/audio"
	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/internal/credentials"
	"github.com/ClareAI/astra-voice-client/internal/signaling"
	"github.com/ClareAI/astra-voice-client/pkg/keystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopSink struct{}

func (nopSink) WritePCM16([]int16) error { return nil }

// blockSink holds every write until released, pinning the playing state.
type blockSink struct {
	release chan struct{}
}

func newBlockSink() *blockSink {
	return &blockSink{release: make(chan struct{})}
}

func (s *blockSink) WritePCM16([]int16) error {
	<-s.release
	return nil
}

type fakeAttempt struct {
	err      error
	readyErr error
	creds    credentials.Credentials

	mu       sync.Mutex
	disposed bool
}

func (a *fakeAttempt) Connect(ctx context.Context, creds credentials.Credentials) error {
	a.mu.Lock()
	a.creds = creds
	a.mu.Unlock()
	return a.err
}

func (a *fakeAttempt) WaitReady(ctx context.Context) error { return a.readyErr }

func (a *fakeAttempt) ConversationID() string          { return "conv_1" }
func (a *fakeAttempt) Connected() bool                 { return a.err == nil }
func (a *fakeAttempt) Quality() webrtc.QualitySnapshot { return webrtc.QualitySnapshot{} }

func (a *fakeAttempt) Dispose() {
	a.mu.Lock()
	a.disposed = true
	a.mu.Unlock()
}

// fakeFactory fails the first N connects (plus the next M negotiations), then
// succeeds.
type fakeFactory struct {
	mu       sync.Mutex
	failures int
	notReady int
	attempts []*fakeAttempt
}

func (f *fakeFactory) build(o *Orchestrator) connectionAttempt {
	f.mu.Lock()
	defer f.mu.Unlock()
	attempt := &fakeAttempt{}
	switch {
	case len(f.attempts) < f.failures:
		attempt.err = errors.New("connection refused")
	case len(f.attempts) < f.failures+f.notReady:
		attempt.readyErr = errors.New("negotiation stalled")
	}
	f.attempts = append(f.attempts, attempt)
	return attempt
}

func (f *fakeFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attempts)
}

// credentialServer serves the token endpoint with an incrementing token so
// credential refreshes are observable.
func credentialServer(t *testing.T) *httptest.Server {
	t.Helper()
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&hits, 1)
		json.NewEncoder(w).Encode(map[string]string{
			"signedUrl": "wss://relay.example.com/ws",
			"token":     fmt.Sprintf("tok_%d", n),
		})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestOrchestrator(t *testing.T, factory *fakeFactory, sink audio.Sink) (*Orchestrator, *event.Bus) {
	t.Helper()
	srv := credentialServer(t)

	cfg := config.LoadSessionConfig()
	cfg.AgentID = "agent123"
	cfg.CredentialEndpoint = srv.URL
	cfg.MicGatingDelay = 5 * time.Millisecond

	bus := event.NewBus()
	t.Cleanup(func() { _ = bus.Close() })

	manager := credentials.NewManager(keystore.NewMemoryStore(), cfg)
	o := NewOrchestrator(cfg, manager, bus, webrtc.NewPCMCaptureDevice(), sink)
	t.Cleanup(o.Dispose)

	if factory != nil {
		o.newAttempt = factory.build
	}
	o.backoff = func(int) time.Duration { return time.Millisecond }
	return o, bus
}

func pcm16Base64(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestOrchestrator_InitializeSucceeds(t *testing.T) {
	factory := &fakeFactory{}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, o.State())
	assert.Equal(t, "conv_1", o.ConversationID())
	assert.Equal(t, 1, factory.count())

	// Second call is a no-op.
	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, 1, factory.count())
}

func TestOrchestrator_RetriesOnFreshInstances(t *testing.T) {
	factory := &fakeFactory{failures: 2}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, o.State())
	require.Equal(t, 3, factory.count(), "each retry uses a fresh attempt")

	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.True(t, factory.attempts[0].disposed, "failed attempts are torn down")
	assert.True(t, factory.attempts[1].disposed)
	assert.False(t, factory.attempts[2].disposed)
}

func TestOrchestrator_FallbackUsesRefreshedCredentials(t *testing.T) {
	factory := &fakeFactory{failures: config.SignalingMaxAttempts}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, o.State())
	require.Equal(t, config.SignalingMaxAttempts+1, factory.count())

	factory.mu.Lock()
	defer factory.mu.Unlock()
	primary := factory.attempts[0].creds.Token
	fallback := factory.attempts[config.SignalingMaxAttempts].creds.Token
	assert.NotEqual(t, primary, fallback, "fallback attempt runs on refreshed credentials")
}

func TestOrchestrator_AllAttemptsFailing(t *testing.T) {
	factory := &fakeFactory{failures: config.SignalingMaxAttempts + 1}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	err := o.Initialize(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateError, o.State())
}

func TestOrchestrator_StalledNegotiationCountsAsFailure(t *testing.T) {
	factory := &fakeFactory{notReady: 1}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, StateConnected, o.State())
	require.Equal(t, 2, factory.count(), "a connect that never negotiates is retried")

	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.True(t, factory.attempts[0].disposed)
}

func TestOrchestrator_FallbackRunsWhenRefreshFails(t *testing.T) {
	factory := &fakeFactory{failures: config.SignalingMaxAttempts}
	o, _ := newTestOrchestrator(t, factory, nopSink{})

	// The manager carries no agent configuration here, so the pre-fallback
	// refresh fails immediately. The fallback attempt must still run, on the
	// credentials already in hand.
	seed := credentials.Credentials{SignedURL: "wss://relay.example.com/ws", Token: "tok_seed"}
	require.NoError(t, o.connectWithRetry(context.Background(), seed))
	require.Equal(t, config.SignalingMaxAttempts+1, factory.count())

	factory.mu.Lock()
	defer factory.mu.Unlock()
	assert.Equal(t, "tok_seed", factory.attempts[config.SignalingMaxAttempts].creds.Token)
}

func TestOrchestrator_SignalingLossMovesToError(t *testing.T) {
	factory := &fakeFactory{}
	o, bus := newTestOrchestrator(t, factory, nopSink{})
	require.NoError(t, o.Initialize(context.Background()))

	// The same event the signaling read loop publishes when the socket drops.
	evt := event.NewSessionEvent(event.SessionError, o.SessionID()).
		WithError(errors.New("signaling connection lost: unexpected EOF"))
	require.NoError(t, bus.PublishEvent(evt))

	waitForState(t, o, StateError)
	factory.mu.Lock()
	assert.True(t, factory.attempts[0].disposed, "a failed session tears down its attempt")
	factory.mu.Unlock()
}

func TestOrchestrator_PeerDisconnectMovesToError(t *testing.T) {
	o, bus := newTestOrchestrator(t, &fakeFactory{}, nopSink{})
	require.NoError(t, o.Initialize(context.Background()))
	require.Equal(t, "recording started", o.ToggleRecording())

	require.NoError(t, bus.Publish(event.PeerDisconnected, o.SessionID(), nil))
	waitForState(t, o, StateError)
}

func TestOrchestrator_ReinitializeDoesNotDuplicateHandlers(t *testing.T) {
	factory := &fakeFactory{}
	o, bus := newTestOrchestrator(t, factory, nopSink{})

	require.NoError(t, o.Initialize(context.Background()))
	o.EndSession()
	require.NoError(t, o.Initialize(context.Background()))
	require.Equal(t, 2, factory.count())

	require.NoError(t, bus.Publish(event.AgentAudio, o.SessionID(), &event.AudioEventData{
		AudioBase64: pcm16Base64(make([]int16, 160)),
	}))
	waitUntilTrue(t, func() bool { return o.player.Stats().ChunksPlayed >= 1 })
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int64(1), o.player.Stats().ChunksPlayed, "one audio event plays exactly one chunk")
}

func TestWebRTCAttempt_WaitReadyTracksChannelState(t *testing.T) {
	a := &webrtcAttempt{channel: signaling.NewChannel("s1", nil, nil, config.ConversationOverride{})}

	// Never-negotiated channel: the wait runs into its deadline.
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, a.WaitReady(ctx), context.DeadlineExceeded)

	// A closed channel fails the wait immediately.
	a.channel.Dispose()
	require.Error(t, a.WaitReady(context.Background()))
}

func TestOrchestrator_ToggleRecording(t *testing.T) {
	o, _ := newTestOrchestrator(t, &fakeFactory{}, nopSink{})

	assert.Contains(t, o.ToggleRecording(), "failed: session not connected")

	require.NoError(t, o.Initialize(context.Background()))
	assert.Equal(t, "recording started", o.ToggleRecording())
	assert.Equal(t, StateRecording, o.State())
	assert.False(t, o.gate.Muted())

	assert.Equal(t, "recording stopped", o.ToggleRecording())
	assert.Equal(t, StateConnected, o.State())
	assert.True(t, o.gate.Muted())
}

func TestOrchestrator_InterruptionOnlyWhilePlaying(t *testing.T) {
	sink := newBlockSink()
	defer close(sink.release)
	o, bus := newTestOrchestrator(t, &fakeFactory{}, sink)
	require.NoError(t, o.Initialize(context.Background()))

	assert.Equal(t, "nothing to interrupt", o.TriggerInterruption())

	// Inline agent audio moves the session to playing.
	require.NoError(t, bus.Publish(event.AgentAudio, o.SessionID(), &event.AudioEventData{
		AudioBase64: pcm16Base64(make([]int16, 160)),
		EventType:   "agent_audio",
	}))
	waitForState(t, o, StatePlaying)

	assert.Equal(t, "interrupted", o.TriggerInterruption())
	assert.Equal(t, StateConnected, o.State())
	assert.Equal(t, int64(1), o.player.Stats().Interruptions)
}

func TestOrchestrator_AgentInterruptionEvent(t *testing.T) {
	sink := newBlockSink()
	defer close(sink.release)
	o, bus := newTestOrchestrator(t, &fakeFactory{}, sink)
	require.NoError(t, o.Initialize(context.Background()))

	require.NoError(t, bus.Publish(event.AgentAudio, o.SessionID(), &event.AudioEventData{
		AudioBase64: pcm16Base64(make([]int16, 160)),
	}))
	waitForState(t, o, StatePlaying)

	require.NoError(t, bus.Publish(event.AgentInterruption, o.SessionID(), nil))
	waitForState(t, o, StateConnected)
}

func TestOrchestrator_PlayingReturnsToRecording(t *testing.T) {
	sink := newBlockSink()
	o, bus := newTestOrchestrator(t, &fakeFactory{}, sink)
	require.NoError(t, o.Initialize(context.Background()))
	require.Equal(t, "recording started", o.ToggleRecording())

	require.NoError(t, bus.Publish(event.AgentAudio, o.SessionID(), &event.AudioEventData{
		AudioBase64: pcm16Base64(make([]int16, 160)),
	}))
	waitForState(t, o, StatePlaying)

	// Release playback; state returns to where it was before the agent spoke.
	close(sink.release)
	waitForState(t, o, StateRecording)
}

func TestOrchestrator_VADNoticeDrivesGate(t *testing.T) {
	o, bus := newTestOrchestrator(t, &fakeFactory{}, nopSink{})
	require.NoError(t, o.Initialize(context.Background()))
	require.Equal(t, "recording started", o.ToggleRecording())

	require.NoError(t, bus.Publish(event.VADNotice, o.SessionID(), &event.VADEventData{Mode: "agent_speaking"}))
	waitUntilTrue(t, func() bool { return o.gate.Stats().AgentSpeaking })

	require.NoError(t, bus.Publish(event.VADNotice, o.SessionID(), &event.VADEventData{Mode: "listening"}))
	waitUntilTrue(t, func() bool { return !o.gate.Stats().AgentSpeaking })
}

func TestOrchestrator_EndSessionAndDispose(t *testing.T) {
	factory := &fakeFactory{}
	o, _ := newTestOrchestrator(t, factory, nopSink{})
	require.NoError(t, o.Initialize(context.Background()))

	o.EndSession()
	assert.Equal(t, StateIdle, o.State())
	factory.mu.Lock()
	assert.True(t, factory.attempts[0].disposed)
	factory.mu.Unlock()

	o.EndSession()
	o.Dispose()
	o.Dispose()
	assert.Error(t, o.Initialize(context.Background()))
}

func waitForState(t *testing.T, o *Orchestrator, want ConversationState) {
	t.Helper()
	waitUntilTrue(t, func() bool { return o.State() == want })
}

func waitUntilTrue(t *testing.T, cond func() bool) {
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
