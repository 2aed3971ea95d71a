package inproc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"agent_foundry/internal/domain"
)

var (
	ErrSubscriberNotRegistered = errors.New("subscriber is not registered in bus")
	ErrSubscriberQueueFull     = errors.New("subscriber queue is full")
)

// Bus fans system events out to every registered subscriber. Publishing
// never blocks the store: a full subscriber queue drops the event.
type Bus struct {
	mu      sync.RWMutex
	subs    map[string]chan domain.SystemEvent
	buffer  int
	dropped atomic.Int64
}

func New(buffer int) *Bus {
	if buffer <= 0 {
		buffer = 64
	}
	return &Bus{
		subs:   make(map[string]chan domain.SystemEvent),
		buffer: buffer,
	}
}

func (b *Bus) Register(subscriberID string) <-chan domain.SystemEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subs[subscriberID]; ok {
		return ch
	}
	ch := make(chan domain.SystemEvent, b.buffer)
	b.subs[subscriberID] = ch
	return ch
}

func (b *Bus) Unregister(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, ok := b.subs[subscriberID]
	if !ok {
		return
	}
	delete(b.subs, subscriberID)
	close(ch)
}

func (b *Bus) Publish(evt domain.SystemEvent) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var errs []error
	for id, ch := range b.subs {
		select {
		case ch <- evt:
		default:
			b.dropped.Add(1)
			errs = append(errs, fmt.Errorf("subscriber %s: %w", id, ErrSubscriberQueueFull))
		}
	}
	return errors.Join(errs...)
}

// PublishTo delivers to a single subscriber.
func (b *Bus) PublishTo(subscriberID string, evt domain.SystemEvent) error {
	b.mu.RLock()
	ch, ok := b.subs[subscriberID]
	b.mu.RUnlock()
	if !ok {
		return ErrSubscriberNotRegistered
	}
	select {
	case ch <- evt:
		return nil
	default:
		b.dropped.Add(1)
		return ErrSubscriberQueueFull
	}
}

func (b *Bus) Dropped() int64 {
	return b.dropped.Load()
}
