package orchestrator

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// sendTimeout is how long Emit waits on a full buffer before dropping.
const sendTimeout = 100 * time.Millisecond

// EventEmitter is a buffered event channel for a single subscriber. A slow
// subscriber loses events rather than stalling the orchestrator.
type EventEmitter struct {
	events       chan Event
	droppedCount atomic.Uint64
	logger       *slog.Logger
	closeOnce    sync.Once
}

// NewEventEmitter creates a new EventEmitter with the given buffer size.
func NewEventEmitter(bufferSize int, logger *slog.Logger) *EventEmitter {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventEmitter{
		events: make(chan Event, bufferSize),
		logger: logger,
	}
}

// Emit sends an event to the events channel.
// If the channel is full, it tries with a timeout before dropping the event.
func (e *EventEmitter) Emit(event Event) {
	select {
	case e.events <- event:
		return
	default:
	}

	select {
	case e.events <- event:
	case <-time.After(sendTimeout):
		count := e.droppedCount.Add(1)
		if count%10 == 1 { // every 10th drop
			e.logger.Warn("event channel full, dropped event", "dropped_total", count, "type", event.Type)
		}
	}
}

// DroppedCount returns the total number of events that have been dropped.
func (e *EventEmitter) DroppedCount() uint64 {
	return e.droppedCount.Load()
}

// Events returns a read-only channel of events.
func (e *EventEmitter) Events() <-chan Event {
	return e.events
}

// Close closes the events channel. It is safe to call more than once.
func (e *EventEmitter) Close() {
	e.closeOnce.Do(func() { close(e.events) })
}

// EventBus fans events out to any number of subscribers, each behind its
// own EventEmitter.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]*EventEmitter
	nextID uint64
	closed bool
	logger *slog.Logger
	now    func() time.Time
}

// NewEventBus creates an EventBus. A nil logger discards output.
func NewEventBus(logger *slog.Logger) *EventBus {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &EventBus{subs: make(map[uint64]*EventEmitter), logger: logger, now: time.Now}
}

// Subscribe registers a subscriber. The returned cancel function removes
// it and closes its channel.
func (b *EventBus) Subscribe(bufferSize int) (<-chan Event, func()) {
	em := NewEventEmitter(bufferSize, b.logger)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		em.Close()
		return em.Events(), func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = em
	b.mu.Unlock()

	return em.Events(), func() {
		b.mu.Lock()
		delete(b.subs, id)
		b.mu.Unlock()
		em.Close()
	}
}

// Publish stamps the event and delivers it to every subscriber. A nil bus
// is a no-op.
func (b *EventBus) Publish(event Event) {
	if b == nil {
		return
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = b.now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, em := range b.subs {
		em.Emit(event)
	}
}

// Dropped totals events dropped across current subscribers.
func (b *EventBus) Dropped() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var n uint64
	for _, em := range b.subs {
		n += em.DroppedCount()
	}
	return n
}

// Close closes every subscriber channel. Later publishes are dropped.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, em := range b.subs {
		em.Close()
		delete(b.subs, id)
	}
}
