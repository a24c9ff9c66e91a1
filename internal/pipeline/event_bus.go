package pipeline

import (
	"sync"
)

// EventBus provides pub/sub for queue results
// It is the only channel through which readers observe the pipeline
type EventBus struct {
	subscribers map[*eventSubscription]bool
	mu          sync.RWMutex
}

type eventSubscription struct {
	channel chan *QueueResult
	handler QueueResultHandler
}

// NewEventBus creates a new event bus
func NewEventBus() *EventBus {
	return &EventBus{
		subscribers: make(map[*eventSubscription]bool),
	}
}

// Subscribe registers a handler for queue results
// Returns an unsubscribe function
func (b *EventBus) Subscribe(handler QueueResultHandler) func() {
	sub := &eventSubscription{
		handler: handler,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.subscribers, sub)
		b.mu.Unlock()
	}
}

// SubscribeChannel returns a channel that receives queue results
// The channel has the specified buffer size; results are dropped when it is full
// Returns the channel and an unsubscribe function
func (b *EventBus) SubscribeChannel(bufferSize int) (<-chan *QueueResult, func()) {
	if bufferSize <= 0 {
		bufferSize = 10
	}

	ch := make(chan *QueueResult, bufferSize)
	sub := &eventSubscription{
		channel: ch,
	}

	b.mu.Lock()
	b.subscribers[sub] = true
	b.mu.Unlock()

	unsubscribe := func() {
		b.mu.Lock()
		if _, ok := b.subscribers[sub]; ok {
			delete(b.subscribers, sub)
			close(ch)
		}
		b.mu.Unlock()
	}

	return ch, unsubscribe
}

// Publish sends a queue result to all subscribers
func (b *EventBus) Publish(result *QueueResult) {
	if result == nil {
		return
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		// Handlers run synchronously so every subscriber sees results in frame order.
		if sub.handler != nil {
			sub.handler.OnQueueResult(result)
		} else if sub.channel != nil {
			select {
			case sub.channel <- result:
			default:
				// Channel full, skip this result
			}
		}
	}
}

// SubscriberCount returns the number of active subscribers
func (b *EventBus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close unsubscribes all subscribers and closes channels
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for sub := range b.subscribers {
		if sub.channel != nil {
			close(sub.channel)
		}
		delete(b.subscribers, sub)
	}
}
