package session

// ConversationState is the orchestrator's coarse session state. Recording and
// playing are refinements of connected: recording means the microphone is
// open, playing means agent audio is being rendered.
type ConversationState string

const (
	StateIdle       ConversationState = "idle"
	StateConnecting ConversationState = "connecting"
	StateConnected  ConversationState = "connected"
	StateRecording  ConversationState = "recording"
	StatePlaying    ConversationState = "playing"
	StateError      ConversationState = "error"
)

// connectedFamily reports whether the state counts as an established session.
func connectedFamily(s ConversationState) bool {
	return s == StateConnected || s == StateRecording || s == StatePlaying
}
