package webrtc

import (
	"context"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/pion/webrtc/v3"
)

// Constraints describes the audio capture parameters requested from a device.
type Constraints struct {
	SampleRate       int
	ChannelCount     int
	EchoCancellation bool
	NoiseSuppression bool
	AutoGainControl  bool
}

// PrimaryConstraints is the preferred capture profile: 16 kHz mono with all
// processing enabled.
func PrimaryConstraints() Constraints {
	return Constraints{
		SampleRate:       config.CaptureSampleRate,
		ChannelCount:     config.DefaultChannelsMono,
		EchoCancellation: true,
		NoiseSuppression: true,
		AutoGainControl:  true,
	}
}

// FallbackConstraints is the relaxed profile used when the primary acquisition
// fails: device-default rate, no processing requested.
func FallbackConstraints() Constraints {
	return Constraints{
		SampleRate:   config.FallbackSampleRate,
		ChannelCount: config.DefaultChannelsMono,
	}
}

// CaptureDevice acquires local audio tracks. Implementations wrap whatever
// capture backend the host platform provides; tests inject fakes.
type CaptureDevice interface {
	// Acquire opens the device with the given constraints and returns the
	// local tracks to publish. An empty slice with a nil error means the
	// device produced no usable track, which callers treat as fatal.
	Acquire(ctx context.Context, constraints Constraints) ([]*GatedTrack, error)
}

// buildICEServers merges STUN URLs and TURN credential sets into the pion
// server list.
func buildICEServers(stunServers []string, turnServers []config.TURNCredential) []webrtc.ICEServer {
	servers := make([]webrtc.ICEServer, 0, len(stunServers)+len(turnServers))
	for _, stunURL := range stunServers {
		servers = append(servers, webrtc.ICEServer{URLs: []string{stunURL}})
	}
	for _, cred := range turnServers {
		servers = append(servers, webrtc.ICEServer{
			URLs:       cred.URLs,
			Username:   cred.Username,
			Credential: cred.Credential,
		})
	}
	return servers
}
