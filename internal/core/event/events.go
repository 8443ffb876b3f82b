package event

import (
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Session lifecycle
	SessionStateChanged EventType = "session.state_changed"
	RecordingChanged    EventType = "session.recording_changed"
	SessionError        EventType = "session.error"

	// Conversation events arriving over the signaling channel
	ConversationMetadata EventType = "conversation.metadata"
	UserTranscript       EventType = "conversation.user_transcript"
	AgentResponse        EventType = "conversation.agent_response"
	AgentAudio           EventType = "conversation.agent_audio"
	AgentInterruption    EventType = "conversation.interruption"
	VADNotice            EventType = "conversation.vad_notice"

	// WebRTC events
	PeerConnected      EventType = "webrtc.connected"
	PeerDisconnected   EventType = "webrtc.disconnected"
	ConnectionQuality  EventType = "webrtc.quality_changed"
	IceStateChanged    EventType = "webrtc.ice_state_changed"
	RemoteTrackStarted EventType = "webrtc.remote_track_started"
)

// SessionEvent represents a session-related event
type SessionEvent struct {
	Type           EventType   `json:"type"`
	SessionID      string      `json:"session_id"`
	ConversationID string      `json:"conversation_id,omitempty"`
	Timestamp      time.Time   `json:"timestamp"`
	Data           interface{} `json:"data,omitempty"`
	Error          error       `json:"error,omitempty"`
}

// StateEventData carries a session state transition.
type StateEventData struct {
	Previous string `json:"previous"`
	Current  string `json:"current"`
}

// RecordingEventData carries the recording flag.
type RecordingEventData struct {
	Recording bool `json:"recording"`
}

// TranscriptEventData carries a user transcript fragment.
type TranscriptEventData struct {
	Text  string `json:"text"`
	Final bool   `json:"final,omitempty"`
}

// AgentResponseEventData carries agent response text.
type AgentResponseEventData struct {
	Text string `json:"text"`
}

// AudioEventData carries one base64 agent audio chunk.
type AudioEventData struct {
	AudioBase64 string `json:"audio_base_64"`
	EventType   string `json:"event_type"`
}

// VADEventData carries a voice-activity notice.
type VADEventData struct {
	Mode  string  `json:"mode"`
	Score float64 `json:"score,omitempty"`
}

// QualityEventData carries a connection quality snapshot.
type QualityEventData struct {
	Level             string  `json:"level"`
	LatencyMs         float64 `json:"latency_ms"`
	PacketLossPercent float64 `json:"packet_loss_percent"`
	JitterSeconds     float64 `json:"jitter_seconds"`
	BandwidthKbps     float64 `json:"bandwidth_kbps"`
}

// NewSessionEvent creates a new session event
func NewSessionEvent(eventType EventType, sessionID string) *SessionEvent {
	return &SessionEvent{
		Type:      eventType,
		SessionID: sessionID,
		Timestamp: time.Now(),
	}
}

// WithConversationID adds the conversation id to the event
func (e *SessionEvent) WithConversationID(conversationID string) *SessionEvent {
	e.ConversationID = conversationID
	return e
}

// WithData adds data to the event
func (e *SessionEvent) WithData(data interface{}) *SessionEvent {
	e.Data = data
	return e
}

// WithError adds error to the event
func (e *SessionEvent) WithError(err error) *SessionEvent {
	e.Error = err
	return e
}

// IsError returns true if the event contains an error
func (e *SessionEvent) IsError() bool {
	return e.Error != nil
}
