package audio

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/ClareAI/astra-voice-client/internal/config"
	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"go.uber.org/zap"
)

// LevelSource exposes the current input level as RMS amplitude in [0, 1].
type LevelSource interface {
	Level() float64
}

// Detector is a sampling voice-activity detector with asymmetric debounce:
// activation needs several consecutive samples above the threshold, while a
// single sample below deactivates immediately. The asymmetry keeps brief
// noise spikes from triggering activity and keeps the detector from hanging
// on after speech stops.
type Detector struct {
	source    LevelSource
	threshold float64
	interval  time.Duration
	required  int

	// OnChange fires on every activity transition with the triggering level.
	OnChange func(active bool, level float64)

	mu          sync.Mutex
	active      bool
	streak      int
	lastLevel   float64
	transitions int64
	started     bool
	cancel      context.CancelFunc
}

// NewDetector creates a detector sampling the source at the standard interval.
// The threshold is clamped to [0, 1].
func NewDetector(source LevelSource, threshold float64) *Detector {
	return &Detector{
		source:    source,
		threshold: config.ClampVADThreshold(threshold),
		interval:  config.VADSampleInterval,
		required:  config.VADConsecutiveSamples,
	}
}

// Start launches the sampling loop. A second call is a no-op.
func (d *Detector) Start(ctx context.Context) {
	d.mu.Lock()
	if d.started {
		d.mu.Unlock()
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	d.mu.Unlock()

	go d.run(ctx)
}

// Stop halts sampling. The activity state is left as-is.
func (d *Detector) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.started = false
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Active reports the current debounced activity state.
func (d *Detector) Active() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.active
}

// LastLevel returns the most recent sampled level.
func (d *Detector) LastLevel() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastLevel
}

// Transitions returns the number of activity flips since creation.
func (d *Detector) Transitions() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transitions
}

func (d *Detector) run(ctx context.Context) {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sample()
		}
	}
}

// sample takes one reading and applies the debounce rules.
func (d *Detector) sample() {
	level := d.source.Level()

	d.mu.Lock()
	d.lastLevel = level
	var fire bool
	var fireState bool

	if level >= d.threshold {
		d.streak++
		if !d.active && d.streak >= d.required {
			d.active = true
			d.transitions++
			fire, fireState = true, true
		}
	} else {
		d.streak = 0
		if d.active {
			d.active = false
			d.transitions++
			fire, fireState = true, false
		}
	}
	cb := d.OnChange
	d.mu.Unlock()

	if fire {
		logger.Base().Debug("Voice activity changed",
			zap.Bool("active", fireState),
			zap.Float64("level", level))
		if cb != nil {
			cb(fireState, level)
		}
	}
}

// RMSLevel computes the RMS amplitude of a PCM16 frame normalized to [0, 1].
func RMSLevel(samples []int16) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range samples {
		v := float64(s) / 32768.0
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(samples)))
}

// FrameLevelSource adapts a stream of PCM frames to a LevelSource: feed it
// every captured frame and it holds the latest RMS reading.
type FrameLevelSource struct {
	mu    sync.Mutex
	level float64
}

// Feed records the level of one frame.
func (f *FrameLevelSource) Feed(samples []int16) {
	level := RMSLevel(samples)
	f.mu.Lock()
	f.level = level
	f.mu.Unlock()
}

// Level returns the most recent frame level.
func (f *FrameLevelSource) Level() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level
}
