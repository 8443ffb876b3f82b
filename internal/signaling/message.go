package signaling

import (
	"encoding/json"
	"fmt"

	"github.com/ClareAI/astra-voice-client/internal/config"
)

// Kind tags the wire message variants. Every frame is a UTF-8 JSON object
// carrying a "type" field; unrecognized types decode to KindUnknown and are
// dropped by the channel, never fatal.
type Kind string

const (
	KindOffer                Kind = "offer"
	KindAnswer               Kind = "answer"
	KindICECandidate         Kind = "ice-candidate"
	KindConnectionType       Kind = "connection-type"
	KindConversationMetadata Kind = "conversation_initiation_metadata"
	KindAudio                Kind = "audio"
	KindUserTranscript       Kind = "user_transcript"
	KindAgentResponse        Kind = "agent_response"
	KindInterruption         Kind = "conversation_interruption_notification"
	KindVADNotification      Kind = "internal_vad_notification"
	KindConversationInit     Kind = "conversation_initiation_client_data"
	KindUnknown              Kind = "unknown"
)

// SessionDescription carries an SDP offer or answer.
type SessionDescription struct {
	SDP string `json:"sdp"`
}

// ICECandidate carries one remote ICE candidate.
type ICECandidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// ConversationMetadata is sent by the agent once the conversation is accepted;
// it is the trigger for WebRTC negotiation.
type ConversationMetadata struct {
	ConversationID string `json:"conversation_id"`
	AgentID        string `json:"agent_id"`
	UserID         string `json:"user_id"`
}

// AudioEvent carries one base64 agent-speech chunk sent inline over the
// WebSocket, alongside or instead of the WebRTC media path.
type AudioEvent struct {
	AudioBase64 string `json:"audio_base_64"`
	EventType   string `json:"event_type"`
}

// UserTranscriptEvent carries a transcript of the user's speech.
type UserTranscriptEvent struct {
	UserTranscript string `json:"user_transcript"`
	Final          bool   `json:"final,omitempty"`
}

// AgentResponseEvent carries the agent's textual response.
type AgentResponseEvent struct {
	AgentResponse string `json:"agent_response"`
}

// InterruptionEvent notifies that the agent's speech was interrupted.
type InterruptionEvent struct {
	Reason  string `json:"reason,omitempty"`
	EventID int    `json:"event_id,omitempty"`
}

// VADEvent carries a voice-activity notice from the agent side.
type VADEvent struct {
	Mode  string  `json:"mode,omitempty"`
	Score float64 `json:"vad_score,omitempty"`
}

// Message is the decoded tagged union of all inbound signaling variants.
// Exactly the fields for the decoded Kind are populated; Raw always holds the
// original frame.
type Message struct {
	Kind Kind
	Raw  json.RawMessage

	Offer          *SessionDescription
	Answer         *SessionDescription
	Candidate      *ICECandidate
	ConnectionType string
	Metadata       *ConversationMetadata
	Audio          *AudioEvent
	Transcript     *UserTranscriptEvent
	AgentResponse  *AgentResponseEvent
	Interruption   *InterruptionEvent
	VAD            *VADEvent
}

type envelope struct {
	Type string `json:"type"`

	SDP            string                `json:"sdp,omitempty"`
	Candidate      string                `json:"candidate,omitempty"`
	SDPMid         *string               `json:"sdpMid,omitempty"`
	SDPMLineIndex  *uint16               `json:"sdpMLineIndex,omitempty"`
	ConnectionType string                `json:"connectionType,omitempty"`
	ConversationID string                `json:"conversation_id,omitempty"`
	AgentID        string                `json:"agent_id,omitempty"`
	UserID         string                `json:"user_id,omitempty"`
	AudioEvent     *AudioEvent           `json:"audio_event,omitempty"`
	Transcription  *UserTranscriptEvent  `json:"user_transcription_event,omitempty"`
	ResponseEvent  *AgentResponseEvent   `json:"agent_response_event,omitempty"`
	Interruption   *InterruptionEvent    `json:"interruption_event,omitempty"`
	VADEvent       *VADEvent             `json:"vad_event,omitempty"`
}

// Decode parses one wire frame into a Message. A JSON parse failure or a
// missing type field is an error; an unrecognized type is not (KindUnknown).
func Decode(data []byte) (*Message, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("malformed signaling frame: %w", err)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("signaling frame missing type field")
	}

	msg := &Message{Raw: append(json.RawMessage(nil), data...)}

	switch Kind(env.Type) {
	case KindOffer:
		if env.SDP == "" {
			return nil, fmt.Errorf("offer missing sdp")
		}
		msg.Kind = KindOffer
		msg.Offer = &SessionDescription{SDP: env.SDP}
	case KindAnswer:
		if env.SDP == "" {
			return nil, fmt.Errorf("answer missing sdp")
		}
		msg.Kind = KindAnswer
		msg.Answer = &SessionDescription{SDP: env.SDP}
	case KindICECandidate:
		if env.Candidate == "" {
			return nil, fmt.Errorf("ice-candidate missing candidate")
		}
		msg.Kind = KindICECandidate
		msg.Candidate = &ICECandidate{
			Candidate:     env.Candidate,
			SDPMid:        env.SDPMid,
			SDPMLineIndex: env.SDPMLineIndex,
		}
	case KindConnectionType:
		msg.Kind = KindConnectionType
		msg.ConnectionType = env.ConnectionType
	case KindConversationMetadata:
		msg.Kind = KindConversationMetadata
		msg.Metadata = &ConversationMetadata{
			ConversationID: env.ConversationID,
			AgentID:        env.AgentID,
			UserID:         env.UserID,
		}
	case KindAudio:
		if env.AudioEvent == nil {
			return nil, fmt.Errorf("audio message missing audio_event")
		}
		msg.Kind = KindAudio
		msg.Audio = env.AudioEvent
	case KindUserTranscript:
		msg.Kind = KindUserTranscript
		if env.Transcription != nil {
			msg.Transcript = env.Transcription
		} else {
			msg.Transcript = &UserTranscriptEvent{}
		}
	case KindAgentResponse:
		msg.Kind = KindAgentResponse
		if env.ResponseEvent != nil {
			msg.AgentResponse = env.ResponseEvent
		} else {
			msg.AgentResponse = &AgentResponseEvent{}
		}
	case KindInterruption:
		msg.Kind = KindInterruption
		if env.Interruption != nil {
			msg.Interruption = env.Interruption
		} else {
			msg.Interruption = &InterruptionEvent{}
		}
	case KindVADNotification:
		msg.Kind = KindVADNotification
		if env.VADEvent != nil {
			msg.VAD = env.VADEvent
		} else {
			msg.VAD = &VADEvent{}
		}
	default:
		msg.Kind = KindUnknown
	}
	return msg, nil
}

// Outbound payloads.

// ConversationInitiation is the mandatory first outbound frame. Field names
// must match the wire protocol exactly; the remote endpoint times out the
// session when it is not the first frame.
type ConversationInitiation struct {
	Type                       string         `json:"type"`
	ConversationConfigOverride ConfigOverride `json:"conversation_config_override"`
}

// ConfigOverride is the conversation_config_override body.
type ConfigOverride struct {
	Agent AgentOverride `json:"agent"`
	TTS   TTSOverride   `json:"tts"`
}

// AgentOverride selects the agent prompt, greeting and language.
type AgentOverride struct {
	Prompt       PromptOverride `json:"prompt"`
	FirstMessage string         `json:"first_message"`
	Language     string         `json:"language"`
}

// PromptOverride wraps the system prompt.
type PromptOverride struct {
	Prompt string `json:"prompt"`
}

// TTSOverride selects the synthesis voice.
type TTSOverride struct {
	VoiceID string `json:"voice_id"`
}

// NewConversationInitiation builds the first outbound frame from the
// per-session overrides.
func NewConversationInitiation(override config.ConversationOverride) ConversationInitiation {
	return ConversationInitiation{
		Type: string(KindConversationInit),
		ConversationConfigOverride: ConfigOverride{
			Agent: AgentOverride{
				Prompt:       PromptOverride{Prompt: override.SystemPrompt},
				FirstMessage: override.FirstMessage,
				Language:     override.Language,
			},
			TTS: TTSOverride{VoiceID: override.VoiceID},
		},
	}
}

// descriptionFrame is an outbound offer or answer frame.
type descriptionFrame struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// NewOfferFrame builds an outbound offer frame.
func NewOfferFrame(sdp string) interface{} {
	return descriptionFrame{Type: string(KindOffer), SDP: sdp}
}

// NewAnswerFrame builds an outbound answer frame.
func NewAnswerFrame(sdp string) interface{} {
	return descriptionFrame{Type: string(KindAnswer), SDP: sdp}
}
