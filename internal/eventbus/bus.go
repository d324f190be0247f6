package eventbus

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/xid"
)

// Handler represents an event handler function
type Handler func(event *Event)

// Bus represents an event bus
type Bus interface {
	// Publish publishes an event to all subscribers
	Publish(event *Event)

	// PublishAsync queues an event for delivery by the bus goroutine
	PublishAsync(event *Event)

	// Subscribe subscribes to events of a specific type
	Subscribe(eventType EventType, handler Handler) string

	// SubscribeAll subscribes to all events
	SubscribeAll(handler Handler) string

	// Unsubscribe removes a subscription
	Unsubscribe(id string)

	// Start starts the event bus
	Start(ctx context.Context)

	// Stop stops the event bus
	Stop()
}

// subscription represents a single subscription
type subscription struct {
	id        string
	eventType EventType
	handler   Handler
}

// InMemoryBus is an in-memory implementation of the event bus
type InMemoryBus struct {
	subscribers map[EventType][]*subscription
	allHandlers []*subscription
	mu          sync.RWMutex
	eventChan   chan *Event
	dropped     atomic.Int64
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewInMemoryBus creates a new in-memory event bus
func NewInMemoryBus(bufferSize int) *InMemoryBus {
	return &InMemoryBus{
		subscribers: make(map[EventType][]*subscription),
		allHandlers: make([]*subscription, 0),
		eventChan:   make(chan *Event, bufferSize),
	}
}

// Publish publishes an event synchronously
func (b *InMemoryBus) Publish(event *Event) {
	b.mu.RLock()
	subs := append([]*subscription(nil), b.subscribers[event.Type]...)
	subs = append(subs, b.allHandlers...)
	b.mu.RUnlock()

	for _, sub := range subs {
		sub.handler(event)
	}
}

// PublishAsync never blocks; when the queue is full the event is dropped
// and counted.
func (b *InMemoryBus) PublishAsync(event *Event) {
	select {
	case b.eventChan <- event:
	default:
		b.dropped.Add(1)
	}
}

// Dropped returns the number of events PublishAsync discarded.
func (b *InMemoryBus) Dropped() int64 {
	return b.dropped.Load()
}

// Subscribe subscribes to events of a specific type
func (b *InMemoryBus) Subscribe(eventType EventType, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:        xid.New().String(),
		eventType: eventType,
		handler:   handler,
	}

	b.subscribers[eventType] = append(b.subscribers[eventType], sub)
	return sub.id
}

// SubscribeAll subscribes to all events
func (b *InMemoryBus) SubscribeAll(handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      xid.New().String(),
		handler: handler,
	}

	b.allHandlers = append(b.allHandlers, sub)
	return sub.id
}

// Unsubscribe removes a subscription
func (b *InMemoryBus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for eventType, subs := range b.subscribers {
		for i, sub := range subs {
			if sub.id == id {
				b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}

	for i, sub := range b.allHandlers {
		if sub.id == id {
			b.allHandlers = append(b.allHandlers[:i:i], b.allHandlers[i+1:]...)
			return
		}
	}
}

// Start starts the event bus
func (b *InMemoryBus) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.wg.Add(1)
	go b.processEvents()
}

// Stop stops the event bus. Events still queued are not delivered.
func (b *InMemoryBus) Stop() {
	if b.cancel != nil {
		b.cancel()
	}
	b.wg.Wait()
}

// processEvents processes events from the channel
func (b *InMemoryBus) processEvents() {
	defer b.wg.Done()

	for {
		select {
		case <-b.ctx.Done():
			return
		case event := <-b.eventChan:
			if event != nil {
				b.Publish(event)
			}
		}
	}
}
