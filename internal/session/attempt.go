package session

import (
	"context"
	"fmt"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/adapters/webrtc"
	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/credentials"
	"github.com/ClareAI/astra-voice-client/internal/signaling"
	pion "github.com/pion/webrtc/v3"
)

// connectionAttempt is one self-contained connection try. Every retry gets a
// fresh attempt so no state leaks between tries; Dispose tears down whatever
// the attempt built.
type connectionAttempt interface {
	Connect(ctx context.Context, creds credentials.Credentials) error
	WaitReady(ctx context.Context) error
	ConversationID() string
	Connected() bool
	Quality() webrtc.QualitySnapshot
	Dispose()
}

// attemptFactory builds attempts; tests inject fakes.
type attemptFactory func(o *Orchestrator) connectionAttempt

// webrtcAttempt pairs one signaling channel with one peer connection
// controller.
type webrtcAttempt struct {
	controller *webrtc.Controller
	channel    *signaling.Channel
}

func newWebRTCAttempt(o *Orchestrator) connectionAttempt {
	a := &webrtcAttempt{}
	a.controller = webrtc.NewController(o.sessionID, o.cfg, o.capture, o.bus)
	a.controller.OnLocalTracks = o.attachTracks
	a.controller.OnRemotePCM = o.onRemotePCM
	a.channel = signaling.NewChannel(o.sessionID, &negotiatorAdapter{a.controller}, o.bus, o.cfg.Conversation)
	return a
}

func (a *webrtcAttempt) Connect(ctx context.Context, creds credentials.Credentials) error {
	return a.channel.Connect(ctx, creds.SignedURL, creds.Token)
}

// WaitReady blocks until WebRTC negotiation has completed on the channel. A
// socket that connects but never reaches the negotiated state is a failed
// attempt, not an established session.
func (a *webrtcAttempt) WaitReady(ctx context.Context) error {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		switch a.channel.State() {
		case signaling.StateWebRTCInitialized:
			return nil
		case signaling.StateErrored:
			return fmt.Errorf("signaling channel errored during negotiation")
		case signaling.StateClosed:
			return fmt.Errorf("signaling channel closed during negotiation")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *webrtcAttempt) ConversationID() string {
	return a.channel.ConversationID()
}

func (a *webrtcAttempt) Connected() bool {
	return a.channel.State() == signaling.StateConnected ||
		a.channel.State() == signaling.StateWebRTCInitialized
}

func (a *webrtcAttempt) Quality() webrtc.QualitySnapshot {
	return a.controller.ConnectionQuality()
}

func (a *webrtcAttempt) Dispose() {
	a.channel.Dispose()
	a.controller.Dispose()
}

// negotiatorAdapter exposes the controller through the signaling channel's
// negotiation surface. Media is acquired lazily on the first negotiation so a
// channel that never negotiates never touches the capture device.
type negotiatorAdapter struct {
	controller *webrtc.Controller
}

func (n *negotiatorAdapter) BeginNegotiation(ctx context.Context) (string, error) {
	if err := n.controller.InitializePeerConnection(); err != nil {
		return "", err
	}
	if err := n.controller.AcquireMedia(ctx); err != nil {
		return "", err
	}
	return n.controller.CreateOffer(ctx)
}

func (n *negotiatorAdapter) AcceptOffer(ctx context.Context, sdp string) (string, error) {
	if err := n.controller.InitializePeerConnection(); err != nil {
		return "", err
	}
	if err := n.controller.AcquireMedia(ctx); err != nil {
		return "", err
	}
	return n.controller.CreateAnswer(ctx, sdp)
}

func (n *negotiatorAdapter) ApplyAnswer(ctx context.Context, sdp string) error {
	return n.controller.SetRemoteAnswer(sdp)
}

func (n *negotiatorAdapter) AddRemoteCandidate(candidate signaling.ICECandidate) error {
	return n.controller.AddRemoteCandidate(pion.ICECandidateInit{
		Candidate:     candidate.Candidate,
		SDPMid:        candidate.SDPMid,
		SDPMLineIndex: candidate.SDPMLineIndex,
	})
}

// backoffDelay returns the exponential retry delay for the given 1-based
// attempt number, capped at the configured maximum.
func backoffDelay(attempt int) time.Duration {
	delay := config.SignalingBaseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= config.SignalingMaxDelay {
			return config.SignalingMaxDelay
		}
	}
	return delay
}
