// Package stream carries exchange order events to the reconciliation worker:
// the bounded queue, the user data stream listener and the resynchronizer.
package stream

import (
	"context"

	"futures-engine/pkg/exchanges/common"
)

// Queue is the bounded FIFO between event producers and the single worker.
type Queue struct {
	ch chan common.OrderEvent
}

// NewQueue creates a queue holding up to size events.
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = 1
	}
	return &Queue{ch: make(chan common.OrderEvent, size)}
}

// Push enqueues ev, waiting for room. Events are never dropped; a full
// queue pushes back on the producer.
func (q *Queue) Push(ctx context.Context, ev common.OrderEvent) error {
	select {
	case q.ch <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// TryPush enqueues ev only if there is room. The worker uses it for events
// it produces itself, where waiting on its own queue would deadlock.
func (q *Queue) TryPush(ev common.OrderEvent) bool {
	select {
	case q.ch <- ev:
		return true
	default:
		return false
	}
}

// Events is the consumer side.
func (q *Queue) Events() <-chan common.OrderEvent { return q.ch }

// Len is the number of queued events.
func (q *Queue) Len() int { return len(q.ch) }
