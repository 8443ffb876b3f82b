package webrtc

import (
	"context"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/core/event"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"
	"go.uber.org/zap"
)

// QualityLevel buckets a connection quality snapshot.
type QualityLevel string

const (
	QualityPoor      QualityLevel = "poor"
	QualityFair      QualityLevel = "fair"
	QualityGood      QualityLevel = "good"
	QualityExcellent QualityLevel = "excellent"
)

// Classification thresholds. Loss above 5% or latency above 300ms is always
// poor, regardless of the other metrics.
const (
	poorLossPercent      = 5.0
	poorLatencyMs        = 300.0
	excellentLatencyMs   = 100.0
	excellentLossPercent = 0.5
	excellentJitterSec   = 0.03
	goodLatencyMs        = 200.0
	goodLossPercent      = 2.0
)

// QualitySnapshot is one point-in-time view of the media path health. Loss and
// jitter come from RTCP receiver reports, latency from the selected ICE
// candidate pair, bandwidth from outbound byte counters.
type QualitySnapshot struct {
	Level             QualityLevel `json:"level"`
	LatencyMs         float64      `json:"latency_ms"`
	PacketLossPercent float64      `json:"packet_loss_percent"`
	JitterSeconds     float64      `json:"jitter_seconds"`
	BandwidthKbps     float64      `json:"bandwidth_kbps"`
}

// classifyQuality maps raw metrics to a level.
func classifyQuality(latencyMs, lossPercent, jitterSec float64) QualityLevel {
	if lossPercent > poorLossPercent || latencyMs > poorLatencyMs {
		return QualityPoor
	}
	if latencyMs < excellentLatencyMs && lossPercent < excellentLossPercent && jitterSec < excellentJitterSec {
		return QualityExcellent
	}
	if latencyMs < goodLatencyMs && lossPercent < goodLossPercent {
		return QualityGood
	}
	return QualityFair
}

// qualityTracker accumulates the latest RTCP feedback and byte counters.
type qualityTracker struct {
	mu            sync.Mutex
	lossPercent   float64
	jitterSeconds float64
	lastBytesSent uint64
	lastSampledAt time.Time
	bandwidthKbps float64
}

func (q *qualityTracker) recordReceiverReport(report rtcp.ReceptionReport) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lossPercent = float64(report.FractionLost) / 256.0 * 100.0
	// RTP jitter is in clock-rate units; the audio clock is 48 kHz.
	q.jitterSeconds = float64(report.Jitter) / 48000.0
}

func (q *qualityTracker) recordBytesSent(bytesSent uint64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := time.Now()
	if !q.lastSampledAt.IsZero() && bytesSent >= q.lastBytesSent {
		elapsed := now.Sub(q.lastSampledAt).Seconds()
		if elapsed > 0 {
			q.bandwidthKbps = float64(bytesSent-q.lastBytesSent) * 8 / 1000 / elapsed
		}
	}
	q.lastBytesSent = bytesSent
	q.lastSampledAt = now
}

func (q *qualityTracker) snapshot(latencyMs float64) QualitySnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QualitySnapshot{
		Level:             classifyQuality(latencyMs, q.lossPercent, q.jitterSeconds),
		LatencyMs:         latencyMs,
		PacketLossPercent: q.lossPercent,
		JitterSeconds:     q.jitterSeconds,
		BandwidthKbps:     q.bandwidthKbps,
	}
}

// monitorSenderRTCP folds RTCP receiver reports for one sender into the
// tracker until the sender closes.
func (c *Controller) monitorSenderRTCP(sender *webrtc.RTPSender) {
	for {
		packets, _, err := sender.ReadRTCP()
		if err != nil {
			return
		}
		for _, packet := range packets {
			if report, ok := packet.(*rtcp.ReceiverReport); ok && len(report.Reports) > 0 {
				c.quality.recordReceiverReport(report.Reports[0])
			}
		}
	}
}

// ConnectionQuality computes the current quality snapshot. Latency is derived
// from the selected ICE candidate pair's round-trip time; outbound byte
// counters feed the bandwidth estimate.
func (c *Controller) ConnectionQuality() QualitySnapshot {
	c.mu.Lock()
	pc := c.pc
	c.mu.Unlock()

	var latencyMs float64
	if pc != nil {
		for _, stat := range pc.GetStats() {
			switch s := stat.(type) {
			case webrtc.ICECandidatePairStats:
				if s.State == webrtc.StatsICECandidatePairStateSucceeded && s.CurrentRoundTripTime > 0 {
					// One-way latency approximated as half the RTT.
					latencyMs = s.CurrentRoundTripTime * 1000 / 2
				}
			case webrtc.OutboundRTPStreamStats:
				c.quality.recordBytesSent(s.BytesSent)
			}
		}
	}
	return c.quality.snapshot(latencyMs)
}

// StartQualityMonitor samples connection quality at the given interval and
// publishes an event whenever the level changes. Returns immediately; the
// monitor stops when ctx is cancelled or the controller closes.
func (c *Controller) StartQualityMonitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var lastLevel QualityLevel
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			c.mu.Lock()
			stopped := c.closed || c.disposed
			connected := c.connected
			c.mu.Unlock()
			if stopped {
				return
			}
			if !connected {
				continue
			}

			snap := c.ConnectionQuality()
			if snap.Level == lastLevel {
				continue
			}
			lastLevel = snap.Level
			logger.Base().Info("Connection quality changed",
				zap.String("session_id", c.sessionID),
				zap.String("level", string(snap.Level)),
				zap.Float64("latency_ms", snap.LatencyMs),
				zap.Float64("loss_percent", snap.PacketLossPercent))
			c.publish(event.ConnectionQuality, &event.QualityEventData{
				Level:             string(snap.Level),
				LatencyMs:         snap.LatencyMs,
				PacketLossPercent: snap.PacketLossPercent,
				JitterSeconds:     snap.JitterSeconds,
				BandwidthKbps:     snap.BandwidthKbps,
			})
		}
	}()
}
