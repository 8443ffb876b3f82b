package audio

import (
	"encoding/base64"
	"encoding/binary"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	chunks [][]int16
	block  chan struct{}
}

func (s *fakeSink) WritePCM16(samples []int16) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	s.chunks = append(s.chunks, samples)
	s.mu.Unlock()
	return nil
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.chunks)
}

func pcmBase64(samples []int16) string {
	raw := make([]byte, len(samples)*2)
	for i, s := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(s))
	}
	return base64.StdEncoding.EncodeToString(raw)
}

func TestPlayer_PlaysChunksInOrder(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(sink)
	defer p.Dispose()

	require.NoError(t, p.Enqueue([]int16{1, 1}))
	require.NoError(t, p.Enqueue([]int16{2, 2}))
	require.NoError(t, p.Enqueue([]int16{3, 3}))

	waitUntil(t, func() bool { return sink.count() == 3 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int16{1, 1}, sink.chunks[0])
	assert.Equal(t, []int16{2, 2}, sink.chunks[1])
	assert.Equal(t, []int16{3, 3}, sink.chunks[2])
}

func TestPlayer_EnqueueBase64(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(sink)
	defer p.Dispose()

	require.NoError(t, p.EnqueueBase64(pcmBase64([]int16{-1, 0, 1})))
	waitUntil(t, func() bool { return sink.count() == 1 })

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Equal(t, []int16{-1, 0, 1}, sink.chunks[0])
}

func TestPlayer_RejectsUndecodableChunks(t *testing.T) {
	p := NewPlayer(&fakeSink{})
	defer p.Dispose()

	assert.Error(t, p.EnqueueBase64("not-base64!!"))
	assert.Error(t, p.EnqueueBase64(base64.StdEncoding.EncodeToString([]byte{1, 2, 3})), "odd byte length")
	assert.Equal(t, int64(2), p.Stats().DecodeErrors)
}

func TestPlayer_InterruptDropsQueue(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	p := NewPlayer(sink)
	defer p.Dispose()

	require.NoError(t, p.Enqueue([]int16{1}))
	require.NoError(t, p.Enqueue([]int16{2}))
	require.NoError(t, p.Enqueue([]int16{3}))

	// First chunk is stuck in the sink; drop the rest.
	waitUntil(t, func() bool { return p.Stats().QueuedChunks <= 2 })
	p.Interrupt()
	close(sink.block)

	waitUntil(t, func() bool { return !p.Playing() })
	assert.Equal(t, 1, sink.count(), "in-flight chunk finishes, queued chunks dropped")
	assert.Equal(t, int64(1), p.Stats().Interruptions)
}

func TestPlayer_PlaybackChangeTransitions(t *testing.T) {
	sink := &fakeSink{}
	p := NewPlayer(sink)
	defer p.Dispose()

	var mu sync.Mutex
	var transitions []bool
	p.OnPlaybackChange = func(playing bool) {
		mu.Lock()
		transitions = append(transitions, playing)
		mu.Unlock()
	}

	require.NoError(t, p.Enqueue([]int16{1}))
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) == 2
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []bool{true, false}, transitions)
}

func TestPlayer_DisposeRejectsEnqueue(t *testing.T) {
	p := NewPlayer(&fakeSink{})
	p.Dispose()
	p.Dispose()

	assert.Error(t, p.Enqueue([]int16{1}))
	time.Sleep(10 * time.Millisecond)
}
