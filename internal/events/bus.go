package events

import (
	"log/slog"
	"sync"
)

// Handler is a function that handles events
type Handler func(Event)

// UnsubscribeFunc removes a previously registered handler or channel.
type UnsubscribeFunc func()

type handlerEntry struct {
	id      uint64
	handler Handler
}

// Publisher is the write side of the bus. Components depend on this rather
// than on *Bus so they can be tested with a recording fake.
type Publisher interface {
	Publish(Event)
}

// Bus is a thread-safe event bus. Publish never blocks; a single dispatch
// goroutine delivers events to handlers in publish order.
type Bus struct {
	mu        sync.RWMutex
	handlers  map[EventType][]handlerEntry
	allHandle []handlerEntry
	nextID    uint64
	eventChan chan Event
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
	logger    *slog.Logger
}

// NewBus creates a new event bus with the specified buffer size
func NewBus(bufferSize int, logger *slog.Logger) *Bus {
	if bufferSize <= 0 {
		bufferSize = 1000
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		handlers:  make(map[EventType][]handlerEntry),
		eventChan: make(chan Event, bufferSize),
		stopChan:  make(chan struct{}),
		logger:    logger,
	}
}

// Subscribe adds a handler for a specific event type.
func (b *Bus) Subscribe(eventType EventType, handler Handler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.handlers[eventType] = append(b.handlers[eventType], handlerEntry{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		hs := b.handlers[eventType]
		for i, entry := range hs {
			if entry.id == id {
				b.handlers[eventType] = append(hs[:i:i], hs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll adds a handler for all event types.
func (b *Bus) SubscribeAll(handler Handler) UnsubscribeFunc {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.allHandle = append(b.allHandle, handlerEntry{id: id, handler: handler})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, entry := range b.allHandle {
			if entry.id == id {
				b.allHandle = append(b.allHandle[:i:i], b.allHandle[i+1:]...)
				return
			}
		}
	}
}

// Channel returns a buffered channel receiving every event. Events are
// dropped for this consumer when its buffer is full. The channel is closed
// by the returned unsubscribe function.
func (b *Bus) Channel(size int) (<-chan Event, UnsubscribeFunc) {
	if size <= 0 {
		size = 64
	}
	ch := make(chan Event, size)
	var closeOnce sync.Once
	var mu sync.Mutex
	closed := false
	unsub := b.SubscribeAll(func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})
	return ch, func() {
		unsub()
		closeOnce.Do(func() {
			mu.Lock()
			closed = true
			close(ch)
			mu.Unlock()
		})
	}
}

// Publish sends an event to all subscribed handlers.
// If the buffer is full, the event is dropped.
func (b *Bus) Publish(event Event) {
	select {
	case b.eventChan <- event:
	default:
		b.logger.Warn("event bus full, dropping event", "type", event.Type.String())
	}
}

// Start begins processing events in a background goroutine
func (b *Bus) Start() {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			select {
			case event := <-b.eventChan:
				b.dispatch(event)
			case <-b.stopChan:
				for {
					select {
					case event := <-b.eventChan:
						b.dispatch(event)
					default:
						return
					}
				}
			}
		}
	}()
}

func (b *Bus) dispatch(event Event) {
	b.mu.RLock()
	typed := append([]handlerEntry(nil), b.handlers[event.Type]...)
	all := append([]handlerEntry(nil), b.allHandle...)
	b.mu.RUnlock()

	for _, entry := range typed {
		b.safeCall(entry.handler, event)
	}
	for _, entry := range all {
		b.safeCall(entry.handler, event)
	}
}

// safeCall keeps one failing handler from taking down the dispatch loop.
func (b *Bus) safeCall(handler Handler, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panic", "type", event.Type.String(), "panic", r)
		}
	}()
	handler(event)
}

// Stop stops the bus after draining pending events.
func (b *Bus) Stop() {
	b.stopOnce.Do(func() { close(b.stopChan) })
	b.wg.Wait()
}
