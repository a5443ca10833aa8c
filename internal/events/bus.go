package events

import (
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Handler receives events synchronously on the emitter's goroutine.
// A returned error (or a panic) is logged and never reaches the emitter.
type Handler func(Envelope) error

// SubscriptionID identifies a subscription for Unsubscribe.
type SubscriptionID uint64

type subscription struct {
	id        SubscriptionID
	eventType string
	handler   Handler
}

// Bus is a synchronous publish/subscribe event bus.
// Handlers for an event run in subscription order, at most once per emit.
type Bus struct {
	mu       sync.RWMutex
	subs     []subscription
	channels map[SubscriptionID]chan Envelope
	nextID   SubscriptionID
	seq      atomic.Uint64
	disabled atomic.Bool
	closed   bool
	now      func() time.Time
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		channels: make(map[SubscriptionID]chan Envelope),
		now:      time.Now,
	}
}

// Subscribe registers handler for eventType. Use AllEvents to receive everything.
func (b *Bus) Subscribe(eventType string, handler Handler) SubscriptionID {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	b.subs = append(b.subs, subscription{id: b.nextID, eventType: eventType, handler: handler})
	return b.nextID
}

// Unsubscribe removes a subscription. Returns false if it was not registered.
func (b *Bus) Unsubscribe(id SubscriptionID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			if ch, ok := b.channels[id]; ok {
				delete(b.channels, id)
				close(ch)
			}
			return true
		}
	}
	return false
}

// SubscribeChannel delivers events of eventType into a buffered channel.
// Non-blocking: if the channel is full, the event is dropped for that subscriber.
// bufSize defaults to 256 if <= 0.
func (b *Bus) SubscribeChannel(eventType string, bufSize int) (<-chan Envelope, SubscriptionID) {
	if bufSize <= 0 {
		bufSize = 256
	}
	ch := make(chan Envelope, bufSize)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		close(ch)
		return ch, 0
	}

	b.nextID++
	id := b.nextID
	b.channels[id] = ch
	b.subs = append(b.subs, subscription{
		id:        id,
		eventType: eventType,
		handler: func(env Envelope) error {
			select {
			case ch <- env:
			default:
			}
			return nil
		},
	})
	return ch, id
}

// Emit stamps the event and delivers it to every matching handler.
// Returns the envelope that was delivered (zero Seq when the bus is disabled).
func (b *Bus) Emit(event Event) Envelope {
	if b.disabled.Load() {
		return Envelope{Event: event}
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return Envelope{Event: event}
	}
	env := Envelope{
		Seq:       b.seq.Add(1),
		Timestamp: b.now(),
		Event:     event,
	}
	targets := make([]subscription, 0, len(b.subs))
	for _, s := range b.subs {
		if s.eventType == AllEvents || s.eventType == event.EventType() {
			targets = append(targets, s)
		}
	}
	b.mu.RUnlock()

	for _, s := range targets {
		if err := deliver(s.handler, env); err != nil {
			log.Printf("WARNING: event handler %d failed on %s: %v", s.id, event.EventType(), err)
		}
	}
	return env
}

func deliver(h Handler, env Envelope) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(env)
}

// Disable turns Emit into a no-op.
func (b *Bus) Disable() { b.disabled.Store(true) }

// Enable re-enables delivery after Disable.
func (b *Bus) Enable() { b.disabled.Store(false) }

// Close drops every subscription and closes all channel subscribers.
// Safe to call multiple times (idempotent).
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.channels {
		close(ch)
		delete(b.channels, id)
	}
	b.subs = nil
}

// Emitter is the publishing half of the bus, accepted by components that
// only produce events.
type Emitter interface {
	Emit(Event) Envelope
}

type discard struct{}

func (discard) Emit(e Event) Envelope { return Envelope{Event: e} }

// Discard is an Emitter that drops every event.
var Discard Emitter = discard{}
