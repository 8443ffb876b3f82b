package webrtc

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
	"layeh.com/gopus"
)

var (
	// ErrDisposed is returned when the controller is used after Dispose.
	ErrDisposed = errors.New("peer connection controller disposed")

	// ErrNotInitialized is returned when an operation needs a peer connection
	// that has not been created yet.
	ErrNotInitialized = errors.New("peer connection not initialized")

	// ErrNoAudioTracks is returned when media acquisition yields zero tracks.
	ErrNoAudioTracks = errors.New("no audio tracks acquired")
)

// Controller owns one peer connection lifecycle: initialization, local media
// acquisition, SDP negotiation and teardown. Remote ICE candidates handed over
// before the remote description is set are queued and flushed in order.
//
// Exported callback fields follow the signaling channel convention: set them
// before negotiation starts, never after.
type Controller struct {
	sessionID   string
	stunServers []string
	turnServers []config.TURNCredential
	capture     CaptureDevice
	bus         *event.Bus

	OnConnectionStateChange    func(webrtc.PeerConnectionState)
	OnICEConnectionStateChange func(webrtc.ICEConnectionState)
	OnICECandidate             func(*webrtc.ICECandidate)
	OnLocalTracks              func([]*GatedTrack)
	OnRemoteTrack              func(*webrtc.TrackRemote)
	OnRemotePCM                func([]int16)
	OnRemoteRTP                func(*rtp.Packet)
	OnConnected                func()
	OnDisconnected             func()
	OnError                    func(error)

	mu                sync.Mutex
	pc                *webrtc.PeerConnection
	localTracks       []*GatedTrack
	senders           []*webrtc.RTPSender
	pendingCandidates []webrtc.ICECandidateInit
	remoteDescSet     bool
	pcState           webrtc.PeerConnectionState
	iceState          webrtc.ICEConnectionState
	connected         bool
	closed            bool
	disposed          bool

	quality qualityTracker
}

// NewController creates a controller for one session. The bus is optional;
// when set, connection lifecycle events are published to it.
func NewController(sessionID string, cfg *config.SessionConfig, capture CaptureDevice, bus *event.Bus) *Controller {
	return &Controller{
		sessionID:   sessionID,
		stunServers: cfg.STUNServers,
		turnServers: cfg.TURNServers,
		capture:     capture,
		bus:         bus,
	}
}

// InitializePeerConnection creates the peer connection with the configured ICE
// servers. Calling it again on a live controller is a no-op, so negotiation
// paths can call it defensively.
func (c *Controller) InitializePeerConnection() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.disposed || c.closed {
		return ErrDisposed
	}
	if c.pc != nil {
		return nil
	}

	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   config.DefaultSampleRate,
			Channels:    config.DefaultChannelsMono,
			SDPFmtpLine: "stereo=0;sprop-stereo=0;ptime=20;minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return fmt.Errorf("failed to register opus codec: %w", err)
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{
		ICEServers:           buildICEServers(c.stunServers, c.turnServers),
		BundlePolicy:         webrtc.BundlePolicyMaxBundle,
		RTCPMuxPolicy:        webrtc.RTCPMuxPolicyRequire,
		ICECandidatePoolSize: 10,
	})
	if err != nil {
		return fmt.Errorf("failed to create peer connection: %w", err)
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		logger.Base().Info("Peer connection state changed",
			zap.String("session_id", c.sessionID),
			zap.String("state", state.String()))
		c.mu.Lock()
		c.pcState = state
		c.mu.Unlock()
		if cb := c.OnConnectionStateChange; cb != nil {
			cb(state)
		}
		c.evaluateConnected()
	})

	pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		c.mu.Lock()
		c.iceState = state
		c.mu.Unlock()
		c.publish(event.IceStateChanged, state.String())
		if cb := c.OnICEConnectionStateChange; cb != nil {
			cb(state)
		}
		c.evaluateConnected()
	})

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if cb := c.OnICECandidate; cb != nil {
			cb(candidate)
		}
	})

	pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		logger.Base().Info("Remote track started",
			zap.String("session_id", c.sessionID),
			zap.String("codec", remote.Codec().MimeType),
			zap.Any("ssrc", remote.SSRC()))
		c.publish(event.RemoteTrackStarted, remote.Codec().MimeType)
		if cb := c.OnRemoteTrack; cb != nil {
			cb(remote)
		}
		go c.consumeRemoteTrack(remote)
	})

	c.pc = pc
	return nil
}

// AcquireMedia opens the capture device with the primary 16 kHz constraints,
// falling back to the relaxed profile on failure. Acquiring zero tracks is
// fatal either way. Acquired tracks are added to the peer connection and RTCP
// monitoring starts on each sender.
func (c *Controller) AcquireMedia(ctx context.Context) error {
	c.mu.Lock()
	if c.disposed || c.closed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.pc == nil {
		c.mu.Unlock()
		return ErrNotInitialized
	}
	if len(c.localTracks) > 0 {
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	tracks, err := c.capture.Acquire(ctx, PrimaryConstraints())
	if err != nil {
		logger.Base().Warn("Primary media acquisition failed, retrying with fallback constraints",
			zap.String("session_id", c.sessionID),
			zap.Error(err))
		tracks, err = c.capture.Acquire(ctx, FallbackConstraints())
		if err != nil {
			return fmt.Errorf("media acquisition failed: %w", err)
		}
	}
	if len(tracks) == 0 {
		return ErrNoAudioTracks
	}

	senders := make([]*webrtc.RTPSender, 0, len(tracks))
	for _, track := range tracks {
		sender, err := pc.AddTrack(track.Local())
		if err != nil {
			return fmt.Errorf("failed to add local track %s: %w", track.ID(), err)
		}
		senders = append(senders, sender)
		go c.monitorSenderRTCP(sender)
	}

	c.mu.Lock()
	c.localTracks = tracks
	c.senders = senders
	c.mu.Unlock()

	logger.Base().Info("Local media acquired",
		zap.String("session_id", c.sessionID),
		zap.Int("tracks", len(tracks)),
		zap.Int("sample_rate", tracks[0].SampleRate()))

	if cb := c.OnLocalTracks; cb != nil {
		cb(tracks)
	}
	return nil
}

// LocalTracks returns the acquired local tracks.
func (c *Controller) LocalTracks() []*GatedTrack {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*GatedTrack, len(c.localTracks))
	copy(out, c.localTracks)
	return out
}

// CreateOffer produces a complete non-trickle SDP offer: the local description
// is set and ICE gathering finishes before the SDP is returned, so no separate
// candidate frames are needed.
func (c *Controller) CreateOffer(ctx context.Context) (string, error) {
	pc, err := c.livePC()
	if err != nil {
		return "", err
	}

	offer, err := pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create offer: %w", err)
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering interrupted: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

// CreateAnswer applies a remote offer and produces a complete non-trickle
// answer.
func (c *Controller) CreateAnswer(ctx context.Context, remoteOfferSDP string) (string, error) {
	pc, err := c.livePC()
	if err != nil {
		return "", err
	}

	if err := c.setRemoteDescription(pc, webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  remoteOfferSDP,
	}); err != nil {
		return "", err
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return "", fmt.Errorf("failed to create answer: %w", err)
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return "", fmt.Errorf("failed to set local description: %w", err)
	}

	select {
	case <-webrtc.GatheringCompletePromise(pc):
	case <-ctx.Done():
		return "", fmt.Errorf("ice gathering interrupted: %w", ctx.Err())
	}
	return pc.LocalDescription().SDP, nil
}

// SetRemoteAnswer applies the remote answer to a previously created offer and
// flushes any queued remote candidates.
func (c *Controller) SetRemoteAnswer(sdp string) error {
	pc, err := c.livePC()
	if err != nil {
		return err
	}
	return c.setRemoteDescription(pc, webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (c *Controller) setRemoteDescription(pc *webrtc.PeerConnection, desc webrtc.SessionDescription) error {
	if err := pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("failed to set remote description: %w", err)
	}

	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pendingCandidates
	c.pendingCandidates = nil
	c.mu.Unlock()

	// Flush in receipt order.
	for _, candidate := range pending {
		if err := pc.AddICECandidate(candidate); err != nil {
			logger.Base().Warn("Failed to add queued ICE candidate",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
		}
	}
	if len(pending) > 0 {
		logger.Base().Debug("Flushed queued ICE candidates",
			zap.String("session_id", c.sessionID),
			zap.Int("count", len(pending)))
	}
	return nil
}

// AddRemoteCandidate adds one remote ICE candidate, queueing it until a remote
// description exists.
func (c *Controller) AddRemoteCandidate(candidate webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.disposed || c.closed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.pc == nil || !c.remoteDescSet {
		c.pendingCandidates = append(c.pendingCandidates, candidate)
		c.mu.Unlock()
		return nil
	}
	pc := c.pc
	c.mu.Unlock()

	if err := pc.AddICECandidate(candidate); err != nil {
		return fmt.Errorf("failed to add ice candidate: %w", err)
	}
	return nil
}

// PendingCandidateCount returns the number of queued remote candidates.
func (c *Controller) PendingCandidateCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingCandidates)
}

// Connected reports whether the session is usable: either the peer connection
// state is connected or ICE reached connected/completed.
func (c *Controller) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connectedLocked()
}

func (c *Controller) connectedLocked() bool {
	if c.closed || c.disposed {
		return false
	}
	if c.pcState == webrtc.PeerConnectionStateConnected {
		return true
	}
	return c.iceState == webrtc.ICEConnectionStateConnected ||
		c.iceState == webrtc.ICEConnectionStateCompleted
}

// evaluateConnected fires OnConnected/OnDisconnected on edges of the combined
// connectivity predicate.
func (c *Controller) evaluateConnected() {
	c.mu.Lock()
	now := c.connectedLocked()
	was := c.connected
	c.connected = now
	c.mu.Unlock()

	if now == was {
		return
	}
	if now {
		c.publish(event.PeerConnected, nil)
		if cb := c.OnConnected; cb != nil {
			cb()
		}
		return
	}
	c.publish(event.PeerDisconnected, nil)
	if cb := c.OnDisconnected; cb != nil {
		cb()
	}
}

// consumeRemoteTrack reads RTP from the remote track, decodes Opus payloads to
// PCM16 and hands both representations to the registered callbacks.
func (c *Controller) consumeRemoteTrack(remote *webrtc.TrackRemote) {
	decoder, err := gopus.NewDecoder(config.DefaultSampleRate, config.DefaultChannelsMono)
	if err != nil {
		c.reportError(fmt.Errorf("failed to create opus decoder: %w", err))
		return
	}
	maxSamples := config.DefaultSampleRate * int(config.DefaultFrameDuration.Milliseconds()) / 1000

	for {
		packet, _, err := remote.ReadRTP()
		if err != nil {
			return
		}
		if cb := c.OnRemoteRTP; cb != nil {
			cb(packet)
		}
		if len(packet.Payload) < 3 {
			// Comfort noise / DTX filler, nothing to decode.
			continue
		}
		pcm, err := decoder.Decode(packet.Payload, maxSamples, false)
		if err != nil {
			logger.Base().Debug("Opus decode failed on remote packet",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
			continue
		}
		if cb := c.OnRemotePCM; cb != nil {
			cb(pcm)
		}
	}
}

// Close tears down the peer connection and local tracks. Idempotent.
func (c *Controller) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.remoteDescSet = false
	c.pendingCandidates = nil
	pc := c.pc
	c.pc = nil
	tracks := c.localTracks
	c.localTracks = nil
	c.senders = nil
	c.mu.Unlock()

	for _, track := range tracks {
		track.SetEnabled(false)
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			return fmt.Errorf("failed to close peer connection: %w", err)
		}
	}
	return nil
}

// Dispose closes the controller and drops the callbacks. Idempotent.
func (c *Controller) Dispose() {
	_ = c.Close()

	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.mu.Unlock()

	c.OnConnectionStateChange = nil
	c.OnICEConnectionStateChange = nil
	c.OnICECandidate = nil
	c.OnLocalTracks = nil
	c.OnRemoteTrack = nil
	c.OnRemotePCM = nil
	c.OnRemoteRTP = nil
	c.OnConnected = nil
	c.OnDisconnected = nil
	c.OnError = nil
}

func (c *Controller) livePC() (*webrtc.PeerConnection, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.disposed || c.closed {
		return nil, ErrDisposed
	}
	if c.pc == nil {
		return nil, ErrNotInitialized
	}
	return c.pc, nil
}

func (c *Controller) publish(eventType event.EventType, data interface{}) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(eventType, c.sessionID, data); err != nil {
		logger.Base().Debug("Event bus rejected publish", zap.Error(err))
	}
}

func (c *Controller) reportError(err error) {
	logger.Base().Error("Peer connection error",
		zap.String("session_id", c.sessionID),
		zap.Error(err))
	if cb := c.OnError; cb != nil {
		cb(err)
	}
}
