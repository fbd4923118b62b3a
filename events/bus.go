package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Domain topics published by the write paths and consumed by invalidation
// rules.
const (
	ProductCreated   = "product.created"
	ProductUpdated   = "product.updated"
	ProductDeleted   = "product.deleted"
	CategoryUpdated  = "category.updated"
	OrderCreated     = "order.created"
	OrderUpdated     = "order.updated"
	InventoryUpdated = "inventory.updated"
	BannerUpdated    = "banner.updated"
	SettingsUpdated  = "settings.updated"
	WishlistUpdated  = "wishlist.updated"
)

// Event is a single domain notification.
type Event struct {
	Topic      string         `json:"topic"`
	Payload    map[string]any `json:"payload,omitempty"`
	OccurredAt time.Time      `json:"occurred_at"`
}

// Handler reacts to an event. Returned errors are logged by the bus.
type Handler func(ctx context.Context, evt Event) error

// Bus is a publish/subscribe channel keyed by topic.
type Bus interface {
	Publish(ctx context.Context, topic string, evt Event)
	Subscribe(topic string, h Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
}

// LocalBus delivers events synchronously to in-process subscribers in
// subscription order. A failing or panicking handler does not stop delivery
// to the others.
type LocalBus struct {
	mu     sync.RWMutex
	nextID uint64
	subs   map[string][]subscription
	logger *zap.Logger
}

// NewBus creates an in-process bus.
func NewBus(logger *zap.Logger) *LocalBus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LocalBus{
		subs:   make(map[string][]subscription),
		logger: logger.Named("events"),
	}
}

// Subscribe registers h for topic and returns a function removing it.
// Calling the returned function more than once is a no-op.
func (b *LocalBus) Subscribe(topic string, h Handler) func() {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[topic] = append(b.subs[topic], subscription{id: id, handler: h})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(topic, id) })
	}
}

func (b *LocalBus) remove(topic string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[topic]
	for i, s := range subs {
		if s.id == id {
			next := make([]subscription, 0, len(subs)-1)
			next = append(next, subs[:i]...)
			next = append(next, subs[i+1:]...)
			if len(next) == 0 {
				delete(b.subs, topic)
			} else {
				b.subs[topic] = next
			}
			return
		}
	}
}

// Publish delivers evt to every subscriber of topic.
func (b *LocalBus) Publish(ctx context.Context, topic string, evt Event) {
	evt.Topic = topic
	if evt.OccurredAt.IsZero() {
		evt.OccurredAt = time.Now()
	}

	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	for _, s := range subs {
		if err := b.deliver(ctx, s.handler, evt); err != nil {
			b.logger.Error("event handler failed",
				zap.String("topic", topic),
				zap.Error(err),
			)
		}
	}
}

func (b *LocalBus) deliver(ctx context.Context, h Handler, evt Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, evt)
}

// Subscribers returns the number of handlers registered for topic.
func (b *LocalBus) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}
