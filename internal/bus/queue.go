package bus

import (
	"context"
	"errors"
	"sync/atomic"

	"main/internal/model"
)

var (
	ErrQueueFull   = errors.New("tick queue full")
	ErrQueueClosed = errors.New("tick queue closed")
)

// Queue is the bounded, non-blocking tick queue between the price feed
// and the evaluation loop. Dropping a tick under pressure is fine; the
// next tick supersedes it.
type Queue struct {
	ch     chan model.Tick
	closed uint32
}

// NewQueue allocates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{ch: make(chan model.Tick, capacity)}
}

// TryPublish enqueues a tick without blocking.
func (q *Queue) TryPublish(t model.Tick) error {
	if atomic.LoadUint32(&q.closed) != 0 {
		return ErrQueueClosed
	}
	select {
	case q.ch <- t:
		return nil
	default:
		return ErrQueueFull
	}
}

// Close stops the queue from accepting new ticks.
func (q *Queue) Close() {
	if atomic.CompareAndSwapUint32(&q.closed, 0, 1) {
		close(q.ch)
	}
}

// Run consumes ticks until the context is done or the queue is closed.
func (q *Queue) Run(ctx context.Context, handler func(model.Tick)) {
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-q.ch:
			if !ok {
				return
			}
			handler(t)
		}
	}
}
