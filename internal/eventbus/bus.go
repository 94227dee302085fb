package eventbus

import (
	"context"
	"errors"
	"reflect"
	"sync"
)

// EventHandler handles a published event.
type EventHandler func(ctx context.Context, event any) error

// Publisher publishes events.
type Publisher interface {
	Publish(ctx context.Context, event any) error
	PublishTo(ctx context.Context, topic string, event any) error
}

// EventBus delivers events to subscribed handlers.
type EventBus interface {
	Publisher
	Subscribe(topic string, handler EventHandler)
}

// ErrNilEvent is returned when a nil event is published.
var ErrNilEvent = errors.New("eventbus: nil event")

// ErrInvalidEventType is returned when the event type cannot be determined.
var ErrInvalidEventType = errors.New("eventbus: invalid event type")

// InMemoryBus is a minimal in-process event bus.
// Handlers run synchronously in subscription order.
type InMemoryBus struct {
	mu       sync.RWMutex
	handlers map[string][]EventHandler
}

// NewInMemoryBus constructs a new in-memory bus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		handlers: make(map[string][]EventHandler),
	}
}

// Publish dispatches an event to all handlers of its type.
func (b *InMemoryBus) Publish(ctx context.Context, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	eventType := EventType(event)
	if eventType == "" {
		return ErrInvalidEventType
	}
	return b.PublishTo(ctx, eventType, event)
}

// PublishTo dispatches an event to the handlers of an explicit topic.
func (b *InMemoryBus) PublishTo(ctx context.Context, topic string, event any) error {
	if event == nil {
		return ErrNilEvent
	}
	if topic == "" {
		return ErrInvalidEventType
	}

	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.handlers[topic]...)
	b.mu.RUnlock()

	var firstErr error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Subscribe registers a handler for a topic.
func (b *InMemoryBus) Subscribe(topic string, handler EventHandler) {
	if topic == "" || handler == nil {
		return
	}

	b.mu.Lock()
	b.handlers[topic] = append(b.handlers[topic], handler)
	b.mu.Unlock()
}

// EventType returns the fully-qualified type name for an event instance.
func EventType(event any) string {
	if event == nil {
		return ""
	}
	t := reflect.TypeOf(event)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.String()
}

// EventTypeOf returns the fully-qualified type name for a type parameter.
func EventTypeOf[T any]() string {
	return reflect.TypeOf((*T)(nil)).Elem().String()
}

// ScopedTopic narrows an event type to a single scope, e.g. one device.
func ScopedTopic(eventType, scope string) string {
	if scope == "" {
		return eventType
	}
	return eventType + ":" + scope
}
