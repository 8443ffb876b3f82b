package event

import (
	"fmt"
	"sync"

	"github.com/ClareAI/astra-voice-client/pkg/logger"
	"go.uber.org/zap"
)

// Handler represents a function that handles events
type Handler func(event *SessionEvent)

// Subscription identifies one registered handler so it can be removed.
type Subscription struct {
	eventType EventType
	id        int
}

// BusStats contains statistics about the event bus
type BusStats struct {
	TotalEvents     int64            `json:"total_events"`
	EventsByType    map[string]int64 `json:"events_by_type"`
	SubscriberCount map[string]int   `json:"subscriber_count"`
}

type registration struct {
	id      int
	handler Handler
}

// Bus is an in-process pub-sub channel for session events. Events are
// delivered by a single dispatcher goroutine, so handlers observe events in
// publish order. Handlers must not block for long; slow consumers delay the
// whole stream.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]registration
	nextID      int

	queue  chan *SessionEvent
	done   chan struct{}
	closed bool

	statsMu sync.RWMutex
	stats   BusStats
}

// NewBus creates a running event bus.
func NewBus() *Bus {
	b := &Bus{
		subscribers: make(map[EventType][]registration),
		queue:       make(chan *SessionEvent, 256),
		done:        make(chan struct{}),
		stats: BusStats{
			EventsByType:    make(map[string]int64),
			SubscriberCount: make(map[string]int),
		},
	}
	go b.dispatchLoop()
	return b
}

// Publish enqueues an event with the given type and data.
func (b *Bus) Publish(eventType EventType, sessionID string, data interface{}) error {
	evt := NewSessionEvent(eventType, sessionID)
	if data != nil {
		evt.Data = data
	}
	return b.PublishEvent(evt)
}

// PublishEvent enqueues a complete event for ordered delivery.
func (b *Bus) PublishEvent(event *SessionEvent) error {
	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		return fmt.Errorf("event bus is closed")
	}

	select {
	case b.queue <- event:
		return nil
	case <-b.done:
		return fmt.Errorf("event bus is closed")
	}
}

// Subscribe registers a handler for one event type and returns a subscription
// token for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, handler Handler) (Subscription, error) {
	if handler == nil {
		return Subscription{}, fmt.Errorf("handler cannot be nil")
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return Subscription{}, fmt.Errorf("event bus is closed")
	}

	b.nextID++
	sub := Subscription{eventType: eventType, id: b.nextID}
	b.subscribers[eventType] = append(b.subscribers[eventType], registration{id: sub.id, handler: handler})

	b.statsMu.Lock()
	b.stats.SubscriberCount[string(eventType)]++
	b.statsMu.Unlock()

	return sub, nil
}

// Unsubscribe removes a previously registered handler.
func (b *Bus) Unsubscribe(sub Subscription) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	regs := b.subscribers[sub.eventType]
	for i, reg := range regs {
		if reg.id == sub.id {
			b.subscribers[sub.eventType] = append(regs[:i], regs[i+1:]...)

			b.statsMu.Lock()
			b.stats.SubscriberCount[string(sub.eventType)]--
			b.statsMu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("subscription not found for event type: %s", sub.eventType)
}

// Close stops the dispatcher and clears all subscribers. Idempotent.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.subscribers = make(map[EventType][]registration)
	b.mu.Unlock()

	close(b.done)
	return nil
}

// GetStats returns current bus statistics
func (b *Bus) GetStats() BusStats {
	b.statsMu.RLock()
	defer b.statsMu.RUnlock()

	stats := BusStats{
		TotalEvents:     b.stats.TotalEvents,
		EventsByType:    make(map[string]int64),
		SubscriberCount: make(map[string]int),
	}
	for k, v := range b.stats.EventsByType {
		stats.EventsByType[k] = v
	}
	for k, v := range b.stats.SubscriberCount {
		stats.SubscriberCount[k] = v
	}
	return stats
}

func (b *Bus) dispatchLoop() {
	for {
		select {
		case evt := <-b.queue:
			b.dispatch(evt)
		case <-b.done:
			// Drain whatever was already enqueued before shutdown.
			for {
				select {
				case evt := <-b.queue:
					b.dispatch(evt)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) dispatch(event *SessionEvent) {
	b.mu.RLock()
	regs := b.subscribers[event.Type]
	handlers := make([]Handler, len(regs))
	for i, reg := range regs {
		handlers[i] = reg.handler
	}
	b.mu.RUnlock()

	b.statsMu.Lock()
	b.stats.TotalEvents++
	b.stats.EventsByType[string(event.Type)]++
	b.statsMu.Unlock()

	for _, handler := range handlers {
		func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					logger.Base().Error("Event handler panic",
						zap.String("type", string(event.Type)),
						zap.Any("panic", r))
				}
			}()
			h(event)
		}(handler)
	}
}
