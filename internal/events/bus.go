// Package events fans breaker events out to subscribers.
//
// Publishing never blocks: a subscriber whose buffer is full misses the
// event and the drop is counted and logged.
package events

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/callgate/pkg/logger"
	"github.com/ChuLiYu/callgate/pkg/types"
)

// DefaultBufferSize is used when Subscribe is given a non-positive size.
const DefaultBufferSize = 64

type subscriber struct {
	id string
	ch chan types.Event
}

// Bus is an in-process publish/subscribe hub for types.Event.
type Bus struct {
	log logger.Logger

	mu     sync.RWMutex
	subs   map[string]*subscriber
	closed bool

	published atomic.Int64
	dropped   atomic.Int64
}

// NewBus creates an empty bus.
func NewBus(log logger.Logger) *Bus {
	return &Bus{
		log:  logger.OrNop(log),
		subs: make(map[string]*subscriber),
	}
}

// Subscribe registers a subscriber. The returned cancel function removes it
// and closes its channel; it is safe to call more than once. Subscribing to a
// closed bus returns an already-closed channel.
func (b *Bus) Subscribe(buffer int) (<-chan types.Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	s := &subscriber{id: uuid.NewString(), ch: make(chan types.Event, buffer)}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(s.ch)
		return s.ch, func() {}
	}
	b.subs[s.id] = s
	b.mu.Unlock()

	b.log.Debug("event subscriber added", logger.String("subscriber_id", s.id))

	var once sync.Once
	return s.ch, func() {
		once.Do(func() { b.remove(s.id) })
	}
}

func (b *Bus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

// Publish delivers evt to every subscriber that has room. Missing ID and At
// fields are filled in.
func (b *Bus) Publish(evt types.Event) {
	if evt.ID == "" {
		evt.ID = uuid.NewString()
	}
	if evt.At.IsZero() {
		evt.At = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	b.published.Add(1)
	for _, s := range b.subs {
		select {
		case s.ch <- evt:
		default:
			b.dropped.Add(1)
			b.log.Warn("event dropped, subscriber buffer full",
				logger.String("subscriber_id", s.id),
				logger.String("event_type", string(evt.Type)),
				logger.String("category", evt.Category))
		}
	}
}

// SubscriberCount returns the number of live subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Published returns the number of events accepted by Publish.
func (b *Bus) Published() int64 { return b.published.Load() }

// Dropped returns the number of per-subscriber deliveries skipped.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close closes every subscriber channel. Later publishes are ignored.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
}
