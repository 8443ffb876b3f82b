package audio

import (
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"go.uber.org/zap"
)

// Sink receives decoded agent audio for playback. Implementations wrap the
// host platform's output device; tests inject fakes.
type Sink interface {
	WritePCM16(samples []int16) error
}

// PlayerStats is a snapshot of playback activity.
type PlayerStats struct {
	Playing       bool  `json:"playing"`
	QueuedChunks  int   `json:"queued_chunks"`
	ChunksPlayed  int64 `json:"chunks_played"`
	Interruptions int64 `json:"interruptions"`
	DecodeErrors  int64 `json:"decode_errors"`
}

// Player queues agent audio chunks and drains them to the sink from a single
// playback goroutine, preserving enqueue order. Interrupt drops everything
// queued but lets the chunk already handed to the sink finish.
type Player struct {
	sink Sink

	// OnPlaybackChange fires on idle<->playing transitions.
	OnPlaybackChange func(playing bool)

	mu       sync.Mutex
	queue    [][]int16
	playing  bool
	disposed bool
	wake     chan struct{}

	chunksPlayed  int64
	interruptions int64
	decodeErrors  int64
}

// NewPlayer creates a player draining to the sink.
func NewPlayer(sink Sink) *Player {
	p := &Player{
		sink: sink,
		wake: make(chan struct{}, 1),
	}
	go p.drainLoop()
	return p
}

// EnqueueBase64 decodes one base64 PCM16 little-endian chunk and queues it for
// playback. Undecodable chunks are counted and dropped; they never stop the
// player.
func (p *Player) EnqueueBase64(audioBase64 string) error {
	raw, err := base64.StdEncoding.DecodeString(audioBase64)
	if err != nil {
		p.mu.Lock()
		p.decodeErrors++
		p.mu.Unlock()
		return fmt.Errorf("failed to decode audio chunk: %w", err)
	}
	if len(raw)%2 != 0 {
		p.mu.Lock()
		p.decodeErrors++
		p.mu.Unlock()
		return fmt.Errorf("audio chunk has odd byte length %d", len(raw))
	}

	samples := make([]int16, len(raw)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(raw[i*2:]))
	}
	return p.Enqueue(samples)
}

// Enqueue queues one PCM16 chunk for playback.
func (p *Player) Enqueue(samples []int16) error {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return fmt.Errorf("player disposed")
	}
	p.queue = append(p.queue, samples)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return nil
}

// Interrupt drops all queued chunks. The chunk currently in the sink is not
// recalled.
func (p *Player) Interrupt() {
	p.mu.Lock()
	dropped := len(p.queue)
	p.queue = nil
	p.interruptions++
	p.mu.Unlock()

	logger.Base().Info("Playback interrupted", zap.Int("dropped_chunks", dropped))
}

// Playing reports whether a chunk is being written or queued.
func (p *Player) Playing() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing || len(p.queue) > 0
}

// Stats returns a playback snapshot.
func (p *Player) Stats() PlayerStats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PlayerStats{
		Playing:       p.playing || len(p.queue) > 0,
		QueuedChunks:  len(p.queue),
		ChunksPlayed:  p.chunksPlayed,
		Interruptions: p.interruptions,
		DecodeErrors:  p.decodeErrors,
	}
}

// Dispose stops the playback goroutine and drops the queue. Idempotent.
func (p *Player) Dispose() {
	p.mu.Lock()
	if p.disposed {
		p.mu.Unlock()
		return
	}
	p.disposed = true
	p.queue = nil
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Player) drainLoop() {
	for range p.wake {
		for {
			p.mu.Lock()
			if p.disposed {
				p.mu.Unlock()
				return
			}
			if len(p.queue) == 0 {
				if p.playing {
					p.playing = false
					cb := p.OnPlaybackChange
					p.mu.Unlock()
					if cb != nil {
						cb(false)
					}
				} else {
					p.mu.Unlock()
				}
				break
			}
			chunk := p.queue[0]
			p.queue = p.queue[1:]
			justStarted := !p.playing
			p.playing = true
			cb := p.OnPlaybackChange
			p.mu.Unlock()

			if justStarted && cb != nil {
				cb(true)
			}

			if err := p.sink.WritePCM16(chunk); err != nil {
				logger.Base().Warn("Audio sink write failed", zap.Error(err))
				continue
			}
			p.mu.Lock()
			p.chunksPlayed++
			p.mu.Unlock()
		}
	}
}
