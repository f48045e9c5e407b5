package queue

import (
	"context"
	"sync/atomic"
	"time"
)

// Queue is a fixed-capacity FIFO. It is shared between task context, where
// callers may wait, and interrupt context, where the FromInterrupt variants
// are the only permitted operations because they never block.
//
// A failed enqueue leaves the value with the caller, who must release it.
type Queue[T any] struct {
	items chan T

	// Task-context goroutines currently blocked on either side.
	waitingProducers atomic.Int32
	waitingConsumers atomic.Int32
}

func New[T any](capacity int) *Queue[T] {
	if capacity <= 0 {
		panic("queue: capacity must be positive")
	}

	return &Queue[T]{
		items: make(chan T, capacity),
	}
}

// Enqueue appends v, waiting up to maxWait for room.
func (q *Queue[T]) Enqueue(v T, maxWait time.Duration) bool {
	select {
	case q.items <- v:
		return true
	default:
	}

	if maxWait <= 0 {
		return false
	}

	q.waitingProducers.Add(1)
	defer q.waitingProducers.Add(-1)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case q.items <- v:
		return true
	case <-timer.C:
		return false
	}
}

// Dequeue removes the oldest value, waiting up to maxWait for one to arrive.
func (q *Queue[T]) Dequeue(maxWait time.Duration) (T, bool) {
	select {
	case v := <-q.items:
		return v, true
	default:
	}

	var zero T
	if maxWait <= 0 {
		return zero, false
	}

	q.waitingConsumers.Add(1)
	defer q.waitingConsumers.Add(-1)

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case v := <-q.items:
		return v, true
	case <-timer.C:
		return zero, false
	}
}

// DequeueContext blocks until a value arrives or ctx is done.
func (q *Queue[T]) DequeueContext(ctx context.Context) (T, error) {
	q.waitingConsumers.Add(1)
	defer q.waitingConsumers.Add(-1)

	select {
	case v := <-q.items:
		return v, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// EnqueueFromInterrupt never blocks. woken reports that a task-context
// consumer was waiting and will now run.
func (q *Queue[T]) EnqueueFromInterrupt(v T) (ok bool, woken bool) {
	select {
	case q.items <- v:
		return true, q.waitingConsumers.Load() > 0
	default:
		return false, false
	}
}

// DequeueFromInterrupt never blocks. woken reports that a task-context
// producer was waiting for room.
func (q *Queue[T]) DequeueFromInterrupt() (v T, ok bool, woken bool) {
	select {
	case v = <-q.items:
		return v, true, q.waitingProducers.Load() > 0
	default:
		return v, false, false
	}
}

func (q *Queue[T]) IsEmpty() bool {
	return len(q.items) == 0
}

func (q *Queue[T]) NumFree() int {
	return cap(q.items) - len(q.items)
}

func (q *Queue[T]) Len() int {
	return len(q.items)
}

func (q *Queue[T]) Cap() int {
	return cap(q.items)
}
