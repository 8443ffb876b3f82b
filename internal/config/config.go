package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	// WebRTC Constants
	DefaultSTUNServer1 = "stun:stun.l.google.com:19302"
	DefaultSTUNServer2 = "stun:stun1.l.google.com:19302"

	// Audio Constants
	DefaultSampleRate     = 48000
	CaptureSampleRate     = 16000
	FallbackSampleRate    = 48000
	DefaultChannelsMono   = 1
	DefaultFrameDuration  = 20 * time.Millisecond
	DefaultOpusBitrate    = 32000
	DefaultOpusMaxBytes   = 6000

	// Connection Constants
	DefaultConnectionTimeout = 30 * time.Second

	// Credential Constants
	DefaultTokenLifetime      = 1 * time.Hour
	CredentialRefreshBuffer   = 5 * time.Minute
	CredentialRequestTimeout  = 15 * time.Second
	CredentialMaxAttempts     = 3
	CredentialRetryDelay      = 2 * time.Second

	// Signaling retry Constants
	SignalingMaxAttempts = 3
	SignalingBaseDelay   = 1 * time.Second
	SignalingMaxDelay    = 10 * time.Second

	// Outbound signaling frames per second allowed through the rate limiter
	SignalingSendRate  = 50
	SignalingSendBurst = 100

	// Audio gating Constants
	DefaultMicGatingDelay = 100 * time.Millisecond
	MinMicGatingDelay     = 0
	MaxMicGatingDelay     = 1 * time.Second

	// Voice activity detection Constants
	VADSampleInterval     = 100 * time.Millisecond
	DefaultVADThreshold   = 0.01
	VADConsecutiveSamples = 3

	// Default conversation overrides
	DefaultLanguage     = "en"
	DefaultSystemPrompt = "You are a helpful voice assistant."
	DefaultFirstMessage = "Hello! How can I help you today?"
	DefaultClientType   = "go"
)

// TURNCredential holds one TURN server entry with its credentials.
type TURNCredential struct {
	URLs       []string
	Username   string
	Credential string
}

// ConversationOverride carries the per-session conversation initiation payload
// fields. All fields have fixed defaults and can be overridden per session.
type ConversationOverride struct {
	SystemPrompt string
	FirstMessage string
	Language     string
	VoiceID      string
}

// SessionConfig holds configuration for a voice session client.
type SessionConfig struct {
	// Agent configuration
	AgentID            string
	CredentialEndpoint string
	ClientType         string

	// WebRTC configuration
	STUNServers []string
	TURNServers []TURNCredential

	// Audio configuration
	MicGatingDelay time.Duration
	VADThreshold   float64

	// Credential policy. TokenLifetime is a local assumption, not a server
	// guarantee; the endpoint returns no expiry field.
	TokenLifetime time.Duration
	RefreshBuffer time.Duration

	// Conversation initiation overrides
	Conversation ConversationOverride

	// Diagnostics server (optional, demo binary only)
	DiagnosticsPort string
}

// LoadSessionConfig loads session configuration from environment variables.
func LoadSessionConfig() *SessionConfig {
	cfg := &SessionConfig{
		AgentID:            getEnv("AGENT_ID", ""),
		CredentialEndpoint: getEnv("CREDENTIAL_ENDPOINT", ""),
		ClientType:         getEnv("CLIENT_TYPE", DefaultClientType),

		STUNServers: []string{
			DefaultSTUNServer1,
			DefaultSTUNServer2,
		},

		MicGatingDelay: time.Duration(getEnvAsInt("MIC_GATING_DELAY_MS", int(DefaultMicGatingDelay/time.Millisecond))) * time.Millisecond,
		VADThreshold:   getEnvAsFloat("VAD_THRESHOLD", DefaultVADThreshold),

		TokenLifetime: time.Duration(getEnvAsInt("TOKEN_LIFETIME_SECONDS", int(DefaultTokenLifetime/time.Second))) * time.Second,
		RefreshBuffer: CredentialRefreshBuffer,

		Conversation: ConversationOverride{
			SystemPrompt: getEnv("CONVERSATION_SYSTEM_PROMPT", DefaultSystemPrompt),
			FirstMessage: getEnv("CONVERSATION_FIRST_MESSAGE", DefaultFirstMessage),
			Language:     getEnv("CONVERSATION_LANGUAGE", DefaultLanguage),
			VoiceID:      getEnv("CONVERSATION_VOICE_ID", ""),
		},

		DiagnosticsPort: getEnv("DIAGNOSTICS_PORT", "8089"),
	}

	// Load custom STUN servers if provided
	if stunServers := os.Getenv("STUN_SERVERS"); stunServers != "" {
		cfg.STUNServers = splitString(stunServers, ",")
	}

	// Load a single TURN server entry if provided
	if turnURLs := os.Getenv("TURN_URLS"); turnURLs != "" {
		cfg.TURNServers = []TURNCredential{{
			URLs:       splitString(turnURLs, ","),
			Username:   getEnv("TURN_USERNAME", ""),
			Credential: getEnv("TURN_CREDENTIAL", ""),
		}}
	}

	cfg.MicGatingDelay = ClampGatingDelay(cfg.MicGatingDelay)
	cfg.VADThreshold = ClampVADThreshold(cfg.VADThreshold)

	return cfg
}

// ClampGatingDelay bounds the anti-echo resume delay to the supported range.
func ClampGatingDelay(d time.Duration) time.Duration {
	if d < MinMicGatingDelay {
		return MinMicGatingDelay
	}
	if d > MaxMicGatingDelay {
		return MaxMicGatingDelay
	}
	return d
}

// ClampVADThreshold bounds the voice activity threshold to [0, 1].
func ClampVADThreshold(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// getEnv gets an environment variable with a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsInt gets an environment variable as an integer with a default value
func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvAsFloat gets an environment variable as a float with a default value
func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

// splitString splits a string by delimiter and trims whitespace
func splitString(s, delimiter string) []string {
	parts := strings.Split(s, delimiter)
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
