package webrtc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/pion/webrtc/v3"
	"github.com/pion/webrtc/v3/pkg/media"
	"layeh.com/gopus"
)

// GatedTrack wraps a local Opus track with an enabled flag. Pion local tracks
// have no per-track enabled bit, so gating is enforced at the write path: a
// disabled track silently drops every sample handed to it.
type GatedTrack struct {
	id         string
	sampleRate int
	track      *webrtc.TrackLocalStaticSample
	enabled    atomic.Bool

	encodeMu sync.Mutex
	encoder  *gopus.Encoder
}

// NewGatedTrack creates an enabled local Opus track fed from PCM16 frames at
// the given capture rate. The RTP clock stays at the standard 48 kHz
// regardless of the capture rate.
func NewGatedTrack(id string, sampleRate int) (*GatedTrack, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:  webrtc.MimeTypeOpus,
			ClockRate: config.DefaultSampleRate,
			Channels:  config.DefaultChannelsMono,
		}, "audio", id)
	if err != nil {
		return nil, fmt.Errorf("failed to create local track: %w", err)
	}

	encoder, err := gopus.NewEncoder(sampleRate, config.DefaultChannelsMono, gopus.Audio)
	if err != nil {
		return nil, fmt.Errorf("failed to create opus encoder: %w", err)
	}
	encoder.SetBitrate(config.DefaultOpusBitrate)

	t := &GatedTrack{
		id:         id,
		sampleRate: sampleRate,
		track:      track,
		encoder:    encoder,
	}
	t.enabled.Store(true)
	return t, nil
}

// ID returns the track identifier.
func (t *GatedTrack) ID() string {
	return t.id
}

// SampleRate returns the PCM input rate the encoder expects.
func (t *GatedTrack) SampleRate() int {
	return t.sampleRate
}

// SetEnabled flips the gate. Takes effect on the next WritePCM16 call.
func (t *GatedTrack) SetEnabled(enabled bool) {
	t.enabled.Store(enabled)
}

// Enabled reports whether samples currently pass through.
func (t *GatedTrack) Enabled() bool {
	return t.enabled.Load()
}

// Local exposes the underlying pion track for AddTrack.
func (t *GatedTrack) Local() *webrtc.TrackLocalStaticSample {
	return t.track
}

// WritePCM16 encodes one mono PCM16 frame and writes it to the track. Frames
// written while the gate is disabled are dropped without error so capture
// loops never need to know about gating.
func (t *GatedTrack) WritePCM16(samples []int16) error {
	if !t.enabled.Load() {
		return nil
	}
	if !validOpusFrame(t.sampleRate, len(samples)) {
		return fmt.Errorf("invalid opus frame size %d for %d Hz", len(samples), t.sampleRate)
	}

	t.encodeMu.Lock()
	opusData, err := t.encoder.Encode(samples, len(samples), config.DefaultOpusMaxBytes)
	t.encodeMu.Unlock()
	if err != nil {
		return fmt.Errorf("opus encode failed: %w", err)
	}
	if len(opusData) == 0 {
		return nil
	}

	duration := time.Duration(len(samples)) * time.Second / time.Duration(t.sampleRate)
	return t.track.WriteSample(media.Sample{Data: opusData, Duration: duration})
}

// validOpusFrame reports whether n mono samples form a legal Opus frame
// (2.5, 5, 10, 20, 40 or 60 ms) at the given rate.
func validOpusFrame(rate, n int) bool {
	base := rate / 400 // 2.5ms
	for _, mult := range []int{1, 2, 4, 8, 16, 24} {
		if n == base*mult {
			return true
		}
	}
	return false
}

// PCMCaptureDevice is a push-style capture device: the host feeds PCM16 frames
// through WriteFrame and they flow into the acquired track. This is the
// default device for embedders without a native capture backend.
type PCMCaptureDevice struct {
	mu    sync.Mutex
	track *GatedTrack
}

// NewPCMCaptureDevice creates an idle capture device.
func NewPCMCaptureDevice() *PCMCaptureDevice {
	return &PCMCaptureDevice{}
}

// Acquire creates one microphone track at the requested rate.
func (d *PCMCaptureDevice) Acquire(ctx context.Context, constraints Constraints) ([]*GatedTrack, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	track, err := NewGatedTrack("microphone", constraints.SampleRate)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	d.track = track
	d.mu.Unlock()
	return []*GatedTrack{track}, nil
}

// WriteFrame forwards one captured PCM16 frame to the acquired track.
func (d *PCMCaptureDevice) WriteFrame(samples []int16) error {
	d.mu.Lock()
	track := d.track
	d.mu.Unlock()
	if track == nil {
		return fmt.Errorf("capture device not acquired")
	}
	return track.WritePCM16(samples)
}
