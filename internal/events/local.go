package events

import (
	"context"
	"log/slog"
	"sync"
)

// subscriberBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing events, which the propagation protocol
// tolerates (workers reconcile on registration).
const subscriberBuffer = 256

// LocalBus is an in-process Bus for single-node deployments and tests.
type LocalBus struct {
	mu     sync.Mutex
	nextID int
	subs   map[int]localSub
	closed bool
	logger *slog.Logger
}

type localSub struct {
	name string
	ch   chan Event
}

// NewLocalBus creates an in-process event bus
func NewLocalBus(logger *slog.Logger) *LocalBus {
	if logger == nil {
		panic("events.NewLocalBus: logger must not be nil")
	}
	return &LocalBus{
		subs:   make(map[int]localSub),
		logger: logger,
	}
}

// Publish delivers the event to all current subscribers without blocking.
// Slow subscribers drop events.
func (b *LocalBus) Publish(_ context.Context, event Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrBusClosed
	}

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			b.logger.Warn("event dropped: subscriber queue full",
				"subscriber", sub.name,
				"event_type", event.Type,
				"target_authority", event.TargetAuthority,
			)
		}
	}
	return nil
}

// Subscribe registers a subscriber. The returned cancel function is
// idempotent and closes the channel.
func (b *LocalBus) Subscribe(name string) (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	ch := make(chan Event, subscriberBuffer)
	b.subs[id] = localSub{name: name, ch: ch}

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if sub, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(sub.ch)
			}
		})
	}
	return ch, cancel
}

// Close shuts the bus down and closes all subscriber channels
func (b *LocalBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subs {
		delete(b.subs, id)
		close(sub.ch)
	}
}
