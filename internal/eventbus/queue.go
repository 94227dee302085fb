package eventbus

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrQueueClosed is returned when publishing into a stopped queue.
var ErrQueueClosed = errors.New("eventbus: queue closed")

const defaultQueueSize = 256

type queuedEvent struct {
	ctx   context.Context
	event any
}

// Queue decouples a publisher from a slow handler with a bounded buffer.
// Events are delivered by a single worker in publish order. When the buffer
// is full, Enqueue blocks until space frees up or the caller's context ends.
type Queue struct {
	name    string
	handler EventHandler
	logger  *log.Logger
	events  chan queuedEvent

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewQueue constructs a queue and starts its worker.
func NewQueue(name string, size int, handler EventHandler, logger *log.Logger) *Queue {
	if size <= 0 {
		size = defaultQueueSize
	}
	q := &Queue{
		name:    name,
		handler: handler,
		logger:  logger,
		events:  make(chan queuedEvent, size),
		done:    make(chan struct{}),
	}
	go q.run()
	return q
}

// Handler returns an EventHandler that enqueues into q, for use with Subscribe.
func (q *Queue) Handler() EventHandler {
	return q.Enqueue
}

// Enqueue adds an event to the queue.
func (q *Queue) Enqueue(ctx context.Context, event any) error {
	if q == nil {
		return ErrQueueClosed
	}
	if event == nil {
		return ErrNilEvent
	}
	if ctx == nil {
		ctx = context.Background()
	}
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.events <- queuedEvent{ctx: context.WithoutCancel(ctx), event: event}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of buffered events.
func (q *Queue) Len() int {
	if q == nil {
		return 0
	}
	return len(q.events)
}

// Close stops accepting events and waits for buffered ones to drain.
func (q *Queue) Close() {
	if q == nil {
		return
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.done
		return
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()
	<-q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for item := range q.events {
		if q.handler == nil {
			continue
		}
		if err := q.handler(item.ctx, item.event); err != nil && q.logger != nil {
			q.logger.Printf("event queue handler error: queue=%s type=%s err=%v", q.name, EventType(item.event), err)
		}
	}
}
