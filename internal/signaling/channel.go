package signaling

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sync"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// State is the per-connection-attempt channel state.
type State string

const (
	StateDisconnected      State = "disconnected"
	StateConnecting        State = "connecting"
	StateConnected         State = "connected"
	StateWebRTCInitialized State = "webrtc_initialized"
	StateClosed            State = "closed"
	StateErrored           State = "errored"
)

var (
	// ErrInvalidURL is returned when the signed URL scheme is not ws/wss.
	ErrInvalidURL = errors.New("invalid signaling url")

	// ErrDisposed is returned when the channel is used after Dispose.
	ErrDisposed = errors.New("signaling channel disposed")
)

// Negotiator is the peer-connection surface the channel drives. The
// implementation owns candidate queueing: candidates handed over before a
// remote description exists must be queued and flushed in receipt order.
type Negotiator interface {
	// BeginNegotiation initializes the peer connection, acquires local media
	// and returns the SDP offer to send.
	BeginNegotiation(ctx context.Context) (string, error)

	// AcceptOffer applies a remote offer and returns the SDP answer to send.
	AcceptOffer(ctx context.Context, sdp string) (string, error)

	// ApplyAnswer applies a remote answer to a previously sent offer.
	ApplyAnswer(ctx context.Context, sdp string) error

	// AddRemoteCandidate hands over one remote ICE candidate.
	AddRemoteCandidate(candidate ICECandidate) error
}

// Channel owns one WebSocket connection to the agent's signaling endpoint.
// Inbound frames are processed strictly in arrival order by a single read
// loop; conversation events are published to the event bus.
type Channel struct {
	negotiator Negotiator
	bus        *event.Bus
	sessionID  string
	override   config.ConversationOverride
	dialer     *websocket.Dialer
	limiter    *rate.Limiter

	mu             sync.Mutex
	conn           *websocket.Conn
	state          State
	negotiated     bool
	disposed       bool
	conversationID string

	writeMu sync.Mutex
}

// NewChannel creates a signaling channel bound to a negotiator and event bus.
func NewChannel(sessionID string, negotiator Negotiator, bus *event.Bus, override config.ConversationOverride) *Channel {
	return &Channel{
		negotiator: negotiator,
		bus:        bus,
		sessionID:  sessionID,
		override:   override,
		dialer:     websocket.DefaultDialer,
		limiter:    rate.NewLimiter(rate.Limit(config.SignalingSendRate), config.SignalingSendBurst),
		state:      StateDisconnected,
	}
}

// Connect validates the signed URL, opens the socket and sends the
// conversation initiation frame before anything else. The read loop starts
// after the initiation frame is on the wire.
func (c *Channel) Connect(ctx context.Context, signedURL, token string) error {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return ErrDisposed
	}
	if c.conn != nil {
		c.mu.Unlock()
		return fmt.Errorf("signaling channel already connected")
	}
	c.state = StateConnecting
	c.mu.Unlock()

	u, err := url.Parse(signedURL)
	if err != nil {
		c.setState(StateErrored)
		return fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		c.setState(StateErrored)
		return fmt.Errorf("%w: scheme %q", ErrInvalidURL, u.Scheme)
	}

	query := u.Query()
	query.Set("token", token)
	u.RawQuery = query.Encode()

	conn, _, err := c.dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		c.setState(StateErrored)
		return fmt.Errorf("failed to connect signaling channel: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.state = StateConnected
	c.mu.Unlock()

	// Mandatory first frame; the remote times out the session without it.
	if err := c.send(ctx, NewConversationInitiation(c.override)); err != nil {
		c.Dispose()
		return fmt.Errorf("failed to send conversation initiation: %w", err)
	}

	logger.Base().Info("Signaling channel connected",
		zap.String("session_id", c.sessionID),
		zap.String("host", u.Host))

	go c.readLoop(conn)
	return nil
}

// State returns the current channel state.
func (c *Channel) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ConversationID returns the id announced in the metadata message, if any.
func (c *Channel) ConversationID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conversationID
}

// Dispose closes the socket and resets the negotiation latch. Idempotent and
// safe on a never-connected channel.
func (c *Channel) Dispose() {
	c.mu.Lock()
	if c.disposed {
		c.mu.Unlock()
		return
	}
	c.disposed = true
	c.negotiated = false
	conn := c.conn
	c.conn = nil
	c.state = StateClosed
	c.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
}

func (c *Channel) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// send writes one JSON frame, paced by the rate limiter.
func (c *Channel) send(ctx context.Context, payload interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	disposed := c.disposed
	c.mu.Unlock()
	if disposed {
		return ErrDisposed
	}
	if conn == nil {
		return fmt.Errorf("signaling channel not connected")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteJSON(payload)
}

// readLoop processes inbound frames in arrival order until the socket closes.
func (c *Channel) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			disposed := c.disposed
			if !disposed {
				c.state = StateErrored
			}
			c.mu.Unlock()

			if !disposed {
				logger.Base().Warn("Signaling read loop ended",
					zap.String("session_id", c.sessionID),
					zap.Error(err))
				c.publishError(fmt.Errorf("signaling connection lost: %w", err))
			}
			return
		}

		msg, err := Decode(data)
		if err != nil {
			// Malformed frames are dropped, the channel stays alive.
			logger.Base().Warn("Dropping malformed signaling frame",
				zap.String("session_id", c.sessionID),
				zap.Error(err))
			continue
		}
		c.handle(msg)
	}
}

func (c *Channel) handle(msg *Message) {
	switch msg.Kind {
	case KindConversationMetadata:
		c.handleMetadata(msg.Metadata)
	case KindOffer:
		c.handleRemoteOffer(msg.Offer.SDP)
	case KindAnswer:
		c.handleRemoteAnswer(msg.Answer.SDP)
	case KindICECandidate:
		if err := c.negotiator.AddRemoteCandidate(*msg.Candidate); err != nil {
			logger.Base().Warn("Failed to add remote ICE candidate", zap.Error(err))
		}
	case KindAudio:
		c.publish(event.AgentAudio, &event.AudioEventData{
			AudioBase64: msg.Audio.AudioBase64,
			EventType:   msg.Audio.EventType,
		})
	case KindUserTranscript:
		c.publish(event.UserTranscript, &event.TranscriptEventData{
			Text:  msg.Transcript.UserTranscript,
			Final: msg.Transcript.Final,
		})
	case KindAgentResponse:
		c.publish(event.AgentResponse, &event.AgentResponseEventData{
			Text: msg.AgentResponse.AgentResponse,
		})
	case KindInterruption:
		c.publish(event.AgentInterruption, msg.Interruption)
	case KindVADNotification:
		c.publish(event.VADNotice, &event.VADEventData{
			Mode:  msg.VAD.Mode,
			Score: msg.VAD.Score,
		})
	case KindConnectionType:
		logger.Base().Debug("Connection type announced",
			zap.String("connection_type", msg.ConnectionType))
	default:
		logger.Base().Debug("Dropping signaling frame of unknown type",
			zap.ByteString("frame", msg.Raw))
	}
}

// handleMetadata triggers WebRTC negotiation. The latch guarantees the
// negotiation runs at most once per channel instance even when the metadata
// message arrives more than once.
func (c *Channel) handleMetadata(meta *ConversationMetadata) {
	c.mu.Lock()
	c.conversationID = meta.ConversationID
	already := c.negotiated
	if !already {
		c.negotiated = true
	}
	c.mu.Unlock()

	c.publish(event.ConversationMetadata, meta)

	if already {
		logger.Base().Debug("Duplicate conversation metadata, negotiation already started",
			zap.String("conversation_id", meta.ConversationID))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultConnectionTimeout)
	defer cancel()

	offerSDP, err := c.negotiator.BeginNegotiation(ctx)
	if err != nil {
		c.setState(StateErrored)
		c.publishError(fmt.Errorf("webrtc negotiation failed: %w", err))
		return
	}
	if err := c.send(ctx, NewOfferFrame(offerSDP)); err != nil {
		c.setState(StateErrored)
		c.publishError(fmt.Errorf("failed to send offer: %w", err))
		return
	}
	c.setState(StateWebRTCInitialized)
	logger.Base().Info("Sent SDP offer",
		zap.String("session_id", c.sessionID),
		zap.String("conversation_id", meta.ConversationID))
}

// handleRemoteOffer serves the answerer role, used when the remote side
// initiates negotiation.
func (c *Channel) handleRemoteOffer(sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultConnectionTimeout)
	defer cancel()

	answerSDP, err := c.negotiator.AcceptOffer(ctx, sdp)
	if err != nil {
		c.setState(StateErrored)
		c.publishError(fmt.Errorf("failed to accept remote offer: %w", err))
		return
	}
	if err := c.send(ctx, NewAnswerFrame(answerSDP)); err != nil {
		c.setState(StateErrored)
		c.publishError(fmt.Errorf("failed to send answer: %w", err))
		return
	}
	c.setState(StateWebRTCInitialized)
}

func (c *Channel) handleRemoteAnswer(sdp string) {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultConnectionTimeout)
	defer cancel()

	if err := c.negotiator.ApplyAnswer(ctx, sdp); err != nil {
		c.setState(StateErrored)
		c.publishError(fmt.Errorf("failed to apply remote answer: %w", err))
	}
}

func (c *Channel) publish(eventType event.EventType, data interface{}) {
	if c.bus == nil {
		return
	}
	evt := event.NewSessionEvent(eventType, c.sessionID).WithData(data)
	c.mu.Lock()
	evt.ConversationID = c.conversationID
	c.mu.Unlock()
	if err := c.bus.PublishEvent(evt); err != nil {
		logger.Base().Debug("Event bus rejected publish", zap.Error(err))
	}
}

func (c *Channel) publishError(err error) {
	if c.bus == nil {
		return
	}
	evt := event.NewSessionEvent(event.SessionError, c.sessionID).WithError(err)
	if pubErr := c.bus.PublishEvent(evt); pubErr != nil {
		logger.Base().Debug("Event bus rejected error publish", zap.Error(pubErr))
	}
}
