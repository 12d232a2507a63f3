// Package events carries message lifecycle events to downstream consumers.
package events

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lalithlochan/courier/internal/db"
)

// TypeMessageSent is published once per successful delivery.
const TypeMessageSent = "MESSAGE_SENT"

// Event is a message lifecycle event.
type Event struct {
	Type      string     `json:"type"`
	MessageID string     `json:"message_id"`
	Channel   db.Channel `json:"channel"`
	Recipient string     `json:"recipient"`
	Template  string     `json:"template,omitempty"`
	Time      time.Time  `json:"time"`
}

// Sink receives lifecycle events.
type Sink interface {
	Publish(ctx context.Context, e Event) error
}

// Bus is an in-memory fan-out sink.
//
// Publish never blocks: subscribers get buffered channels and a slow
// subscriber drops events.
type Bus struct {
	mu   sync.RWMutex
	subs map[uint64]chan Event
	seq  atomic.Uint64
}

// NewBus creates an empty bus.
func NewBus() *Bus {
	return &Bus{subs: map[uint64]chan Event{}}
}

func (b *Bus) Publish(_ context.Context, e Event) error {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
	return nil
}

// Subscribe returns a channel of events and a function that closes it.
func (b *Bus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	ch := make(chan Event, buffer)
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

// Multi publishes to every sink and joins their errors.
type Multi []Sink

func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range m {
		if err := s.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Discard drops every event.
var Discard Sink = discard{}

type discard struct{}

func (discard) Publish(context.Context, Event) error { return nil }
