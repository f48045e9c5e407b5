package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFifoAndBound(t *testing.T) {
	q := New[int](3)
	assert.True(t, q.IsEmpty())

	for i := range 3 {
		assert.True(t, q.Enqueue(i, 0))
	}
	assert.False(t, q.Enqueue(99, 0))
	assert.False(t, q.Enqueue(99, 10*time.Millisecond))
	assert.Equal(t, 3, q.Len())
	assert.Equal(t, 0, q.NumFree())

	for i := range 3 {
		v, ok := q.Dequeue(0)
		require.True(t, ok)
		assert.Equal(t, i, v)
	}

	_, ok := q.Dequeue(0)
	assert.False(t, ok)
	assert.Equal(t, 3, q.NumFree())
}

func TestInterruptVariantsNeverBlock(t *testing.T) {
	q := New[string](1)

	ok, woken := q.EnqueueFromInterrupt("a")
	assert.True(t, ok)
	assert.False(t, woken)

	ok, _ = q.EnqueueFromInterrupt("b")
	assert.False(t, ok)

	v, ok, _ := q.DequeueFromInterrupt()
	assert.True(t, ok)
	assert.Equal(t, "a", v)

	_, ok, _ = q.DequeueFromInterrupt()
	assert.False(t, ok)
}

func TestEnqueueFromInterruptWakesWaiter(t *testing.T) {
	q := New[int](1)

	got := make(chan int)
	go func() {
		v, _ := q.Dequeue(time.Second)
		got <- v
	}()

	require.Eventually(t, func() bool {
		return q.waitingConsumers.Load() == 1
	}, time.Second, time.Millisecond)

	ok, woken := q.EnqueueFromInterrupt(7)
	assert.True(t, ok)
	assert.True(t, woken)
	assert.Equal(t, 7, <-got)
}

func TestBlockingEnqueueWaitsForRoom(t *testing.T) {
	q := New[int](1)
	q.Enqueue(1, 0)

	done := make(chan bool)
	go func() {
		done <- q.Enqueue(2, time.Second)
	}()

	require.Eventually(t, func() bool {
		return q.waitingProducers.Load() == 1
	}, time.Second, time.Millisecond)

	v, ok, woken := q.DequeueFromInterrupt()
	assert.True(t, ok)
	assert.True(t, woken)
	assert.Equal(t, 1, v)
	assert.True(t, <-done)

	v, _ = q.Dequeue(0)
	assert.Equal(t, 2, v)
}

func TestDequeueContext(t *testing.T) {
	q := New[int](2)
	q.Enqueue(5, 0)

	v, err := q.DequeueContext(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, v)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err = q.DequeueContext(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
