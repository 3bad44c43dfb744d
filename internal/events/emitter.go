package events

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// DefaultBuffer is the subscription buffer used when none is given.
const DefaultBuffer = 64

// Bus is an in-process Publisher that fans events out to subscriptions.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]*Subscription
	nextID uint64
	logger *slog.Logger
}

var _ Publisher = (*Bus)(nil)

// NewBus creates an empty bus.
func NewBus(logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subs:   make(map[uint64]*Subscription),
		logger: logger.With("component", "event_bus"),
	}
}

// Subscription receives events published after it was created.
type Subscription struct {
	id      uint64
	ch      chan StatusChanged
	bus     *Bus
	dropped atomic.Int64
	once    sync.Once
}

// Events returns the channel the subscription delivers on. It is closed by
// Close.
func (s *Subscription) Events() <-chan StatusChanged {
	return s.ch
}

// Dropped returns how many events were discarded because the buffer was full.
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s.id)
		close(s.ch)
		s.bus.mu.Unlock()
	})
}

// Subscribe registers a new subscription with the given buffer size.
func (b *Bus) Subscribe(buffer int) *Subscription {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	sub := &Subscription{id: b.nextID, ch: make(chan StatusChanged, buffer), bus: b}
	b.subs[sub.id] = sub
	b.logger.Debug("registered new subscription", "subscriber_count", len(b.subs))
	return sub
}

// Publish delivers event to every subscription without blocking.
func (b *Bus) Publish(_ context.Context, event StatusChanged) {
	// The read lock is held while sending so Close cannot close a channel
	// mid-send; sends never block.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sub := range b.subs {
		select {
		case sub.ch <- event:
		default:
			if n := sub.dropped.Add(1); n == 1 || n%100 == 0 {
				b.logger.Warn("subscriber buffer full, dropping events",
					"event_id", event.ID,
					"task_id", event.TaskID,
					"dropped_total", n)
			}
		}
	}
}
