package event_loop

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
)

type CallbackFunc func(el EventLoop)

type EventLoop interface {
	Run()
	Quit()
	Put(callback CallbackFunc) *Timer
	Post(callback CallbackFunc, scheduledBy time.Time) *Timer
	PostAfter(callback CallbackFunc, delay time.Duration) *Timer
}

// Timer is a posted event. Cancelling it before it is due stops the callback
// from being called.
type Timer struct {
	cancelled atomic.Bool
}

// Cancel reports whether the timer was still armed.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	return !t.cancelled.Swap(true)
}

type eventPoint struct {
	callback    CallbackFunc
	scheduledBy time.Time
	timer       *Timer
	next        *eventPoint
}

type event_loop struct {
	ctx    context.Context
	cancel context.CancelFunc

	wake chan bool

	mutex          sync.Mutex
	eventQueue     *eventPoint
	eventQueueTail *eventPoint
}

func NewEventLoop() EventLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &event_loop{
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan bool, 1),
		eventQueue: nil,
	}
}

func (el *event_loop) Run() {
	var sleepDuration time.Duration = 0

	timer := time.NewTimer(sleepDuration)
	defer timer.Stop()

loop:
	for {
		select {
		case <-el.ctx.Done():
			break loop
		case <-el.wake:
		case <-timer.C:
		}

		if el.ctx.Err() != nil {
			break loop
		}

		sleepDuration = el.processEvents()
		timer.Reset(sleepDuration)
	}
}

func (el *event_loop) processEvents() time.Duration {
	el.mutex.Lock()
	event := el.eventQueue
	el.eventQueue = nil
	el.eventQueueTail = nil
	el.mutex.Unlock()

	var sleepDuration time.Duration = -1

	for event != nil {
		// Detach before re-queueing, the queue links through next.
		next := event.next
		event.next = nil

		switch {
		case event.timer.cancelled.Load():
			// Dropped
		case time.Since(event.scheduledBy) >= 0:
			if event.timer.cancelled.CompareAndSwap(false, true) {
				el.call(event.callback)
			}

			// Event callback may produce more events, so we have
			// do cancel sleep here
			sleepDuration = time.Duration(0)
		default:
			// event cannot be scheduled just yet
			postponeBy := time.Until(event.scheduledBy)
			if sleepDuration < 0 || postponeBy < sleepDuration {
				sleepDuration = postponeBy
			}

			el.enqueue(event)
		}

		event = next
	}

	if sleepDuration < 0 {
		// No events, sleep
		sleepDuration = 100 * time.Millisecond
	}

	return sleepDuration
}

func (el *event_loop) call(callback CallbackFunc) {
	defer func() {
		if r := recover(); r != nil {
			log.With("panic", r).Error("Event callback panicked")
		}
	}()

	callback(el)
}

func (el *event_loop) enqueue(event *eventPoint) {
	el.mutex.Lock()
	defer el.mutex.Unlock()

	if el.eventQueue == nil {
		el.eventQueue = event
		el.eventQueueTail = event
	} else {
		el.eventQueueTail.next = event
		el.eventQueueTail = el.eventQueueTail.next
	}
}

func (el *event_loop) wakeUp() {
	select {
	case el.wake <- true:
	default:
		// Already woken up
	}
}

func (el *event_loop) Quit() {
	if el.cancel != nil {
		el.cancel()
	}
}

func (el *event_loop) Put(callback CallbackFunc) *Timer {
	return el.Post(callback, time.Now())
}

func (el *event_loop) PostAfter(callback CallbackFunc, delay time.Duration) *Timer {
	return el.Post(callback, time.Now().Add(delay))
}

func (el *event_loop) Post(callback CallbackFunc, scheduledBy time.Time) *Timer {
	event := &eventPoint{
		callback:    callback,
		scheduledBy: scheduledBy,
		timer:       &Timer{},
		next:        nil,
	}

	el.enqueue(event)
	el.wakeUp()

	return event.timer
}
