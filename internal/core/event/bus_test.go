package event

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not met before deadline")
}

func TestBus_PublishDeliversToSubscriber(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var got []*SessionEvent
	_, err := b.Subscribe(SessionStateChanged, func(evt *SessionEvent) {
		mu.Lock()
		got = append(got, evt)
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(SessionStateChanged, "s1", &StateEventData{Previous: "idle", Current: "connecting"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "s1", got[0].SessionID)
	data, ok := got[0].Data.(*StateEventData)
	require.True(t, ok)
	assert.Equal(t, "connecting", data.Current)
}

func TestBus_DeliveryPreservesPublishOrder(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	var order []string
	_, err := b.Subscribe(UserTranscript, func(evt *SessionEvent) {
		mu.Lock()
		order = append(order, evt.Data.(*TranscriptEventData).Text)
		mu.Unlock()
	})
	require.NoError(t, err)

	for _, text := range []string{"one", "two", "three", "four"} {
		require.NoError(t, b.Publish(UserTranscript, "s1", &TranscriptEventData{Text: text}))
	}

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 4
	})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"one", "two", "three", "four"}, order)
}

func TestBus_Unsubscribe(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	count := 0
	sub, err := b.Subscribe(AgentAudio, func(evt *SessionEvent) {
		mu.Lock()
		count++
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(AgentAudio, "s1", nil))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return count == 1
	})

	require.NoError(t, b.Unsubscribe(sub))
	require.NoError(t, b.Publish(AgentAudio, "s1", nil))

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, count)
}

func TestBus_HandlerPanicDoesNotStopDispatch(t *testing.T) {
	b := NewBus()
	defer b.Close()

	var mu sync.Mutex
	delivered := false
	_, err := b.Subscribe(AgentResponse, func(evt *SessionEvent) {
		panic("handler exploded")
	})
	require.NoError(t, err)
	_, err = b.Subscribe(AgentResponse, func(evt *SessionEvent) {
		mu.Lock()
		delivered = true
		mu.Unlock()
	})
	require.NoError(t, err)

	require.NoError(t, b.Publish(AgentResponse, "s1", &AgentResponseEventData{Text: "hi"}))
	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return delivered
	})
}

func TestBus_CloseIsIdempotentAndRejectsPublish(t *testing.T) {
	b := NewBus()
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	err := b.Publish(SessionStateChanged, "s1", nil)
	assert.Error(t, err)

	_, err = b.Subscribe(SessionStateChanged, func(*SessionEvent) {})
	assert.Error(t, err)
}

func TestBus_Stats(t *testing.T) {
	b := NewBus()
	defer b.Close()

	_, err := b.Subscribe(VADNotice, func(*SessionEvent) {})
	require.NoError(t, err)
	require.NoError(t, b.Publish(VADNotice, "s1", &VADEventData{Mode: "speaking"}))

	waitFor(t, func() bool {
		return b.GetStats().TotalEvents == 1
	})
	stats := b.GetStats()
	assert.Equal(t, int64(1), stats.EventsByType[string(VADNotice)])
	assert.Equal(t, 1, stats.SubscriberCount[string(VADNotice)])
}
