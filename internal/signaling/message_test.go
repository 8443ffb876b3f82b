package signaling

import (
	"encoding/json"
	"testing"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode_Offer(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"offer","sdp":"v=0..."}`))
	require.NoError(t, err)
	assert.Equal(t, KindOffer, msg.Kind)
	assert.Equal(t, "v=0...", msg.Offer.SDP)
}

func TestDecode_Answer(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"answer","sdp":"v=0..."}`))
	require.NoError(t, err)
	assert.Equal(t, KindAnswer, msg.Kind)
	assert.Equal(t, "v=0...", msg.Answer.SDP)
}

func TestDecode_ICECandidate(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"ice-candidate","candidate":"candidate:1 1 udp 2122260223 10.0.0.1 54400 typ host","sdpMid":"0","sdpMLineIndex":0}`))
	require.NoError(t, err)
	assert.Equal(t, KindICECandidate, msg.Kind)
	require.NotNil(t, msg.Candidate.SDPMid)
	assert.Equal(t, "0", *msg.Candidate.SDPMid)
	require.NotNil(t, msg.Candidate.SDPMLineIndex)
	assert.Equal(t, uint16(0), *msg.Candidate.SDPMLineIndex)
}

func TestDecode_ConversationMetadata(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"conversation_initiation_metadata","conversation_id":"c1","agent_id":"a1","user_id":"u1"}`))
	require.NoError(t, err)
	assert.Equal(t, KindConversationMetadata, msg.Kind)
	assert.Equal(t, "c1", msg.Metadata.ConversationID)
	assert.Equal(t, "a1", msg.Metadata.AgentID)
}

func TestDecode_Audio(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"audio","audio_event":{"audio_base_64":"UklGRg==","event_type":"agent_audio"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindAudio, msg.Kind)
	assert.Equal(t, "UklGRg==", msg.Audio.AudioBase64)
	assert.Equal(t, "agent_audio", msg.Audio.EventType)
}

func TestDecode_Transcript(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"user_transcript","user_transcription_event":{"user_transcript":"hello there"}}`))
	require.NoError(t, err)
	assert.Equal(t, KindUserTranscript, msg.Kind)
	assert.Equal(t, "hello there", msg.Transcript.UserTranscript)
}

func TestDecode_UnknownTypeIsNotFatal(t *testing.T) {
	msg, err := Decode([]byte(`{"type":"totally_new_thing","foo":1}`))
	require.NoError(t, err)
	assert.Equal(t, KindUnknown, msg.Kind)
	assert.NotEmpty(t, msg.Raw)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"sdp":"v=0"}`))
	assert.Error(t, err, "missing type must be rejected")

	_, err = Decode([]byte(`{"type":"offer"}`))
	assert.Error(t, err, "offer without sdp must be rejected")

	_, err = Decode([]byte(`{"type":"audio"}`))
	assert.Error(t, err, "audio without audio_event must be rejected")
}

func TestConversationInitiation_WireShape(t *testing.T) {
	payload := NewConversationInitiation(config.ConversationOverride{
		SystemPrompt: "You are a helpful voice assistant.",
		FirstMessage: "Hello!",
		Language:     "en",
		VoiceID:      "voice_1",
	})

	raw, err := json.Marshal(payload)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, "conversation_initiation_client_data", decoded["type"])
	override := decoded["conversation_config_override"].(map[string]any)
	agent := override["agent"].(map[string]any)
	assert.Equal(t, "Hello!", agent["first_message"])
	assert.Equal(t, "en", agent["language"])
	prompt := agent["prompt"].(map[string]any)
	assert.Equal(t, "You are a helpful voice assistant.", prompt["prompt"])
	tts := override["tts"].(map[string]any)
	assert.Equal(t, "voice_1", tts["voice_id"])
}
