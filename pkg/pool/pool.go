package pool

import (
	"errors"
	"sync/atomic"
	"time"
)

var (
	// ErrStaleHandle is returned when a handle is released twice, or used
	// after it has been released.
	ErrStaleHandle = errors.New("stale pool handle")
)

// Handle names one slot of a Pool. A handle is only valid between the
// Allocate that returned it and the matching Release; the generation it
// carries lets the pool detect any use outside that window.
type Handle struct {
	index uint16
	gen   uint32
}

// IsZero reports whether h was never returned by a pool.
func (h Handle) IsZero() bool {
	return h.gen == 0
}

type slot[T any] struct {
	value T
	gen   atomic.Uint32
	live  atomic.Bool
}

// Pool is a fixed set of pre-allocated records. The free list is a buffered
// channel of slot indices sized to the pool, so releasing never blocks and
// allocation can wait with a timeout.
type Pool[T any] struct {
	slots []slot[T]
	free  chan uint16
	live  atomic.Int32
}

func New[T any](maxElements int) *Pool[T] {
	if maxElements <= 0 || maxElements > 1<<16 {
		panic("pool: maxElements out of range")
	}

	p := &Pool[T]{
		slots: make([]slot[T], maxElements),
		free:  make(chan uint16, maxElements),
	}

	for i := range p.slots {
		p.slots[i].gen.Store(1)
		p.free <- uint16(i)
	}

	return p
}

// Allocate returns a zero-filled record, waiting up to maxWait for one to be
// released. A zero maxWait never blocks.
func (p *Pool[T]) Allocate(maxWait time.Duration) (Handle, bool) {
	if maxWait <= 0 {
		return p.AllocateFromInterrupt()
	}

	timer := time.NewTimer(maxWait)
	defer timer.Stop()

	select {
	case index := <-p.free:
		return p.claim(index), true
	case <-timer.C:
		return Handle{}, false
	}
}

func (p *Pool[T]) AllocateFromInterrupt() (Handle, bool) {
	select {
	case index := <-p.free:
		return p.claim(index), true
	default:
		return Handle{}, false
	}
}

func (p *Pool[T]) claim(index uint16) Handle {
	s := &p.slots[index]

	var zero T
	s.value = zero
	s.live.Store(true)
	p.live.Add(1)

	return Handle{index: index, gen: s.gen.Load()}
}

// Copy allocates a new record holding a shallow copy of src.
func (p *Pool[T]) Copy(src Handle, maxWait time.Duration) (Handle, bool) {
	value := p.Get(src)
	if value == nil {
		return Handle{}, false
	}

	h, ok := p.Allocate(maxWait)
	if !ok {
		return Handle{}, false
	}

	*p.Get(h) = *value
	return h, true
}

// Get returns the record behind a live handle, or nil for a stale one.
func (p *Pool[T]) Get(h Handle) *T {
	if !p.valid(h) {
		return nil
	}
	return &p.slots[h.index].value
}

func (p *Pool[T]) valid(h Handle) bool {
	if h.IsZero() || int(h.index) >= len(p.slots) {
		return false
	}

	s := &p.slots[h.index]
	return s.live.Load() && s.gen.Load() == h.gen
}

// Release returns a record to the free set. Releasing a handle that is not
// live reports ErrStaleHandle and leaves the pool untouched.
func (p *Pool[T]) Release(h Handle) error {
	if h.IsZero() || int(h.index) >= len(p.slots) {
		return ErrStaleHandle
	}

	s := &p.slots[h.index]
	if s.gen.Load() != h.gen || !s.live.CompareAndSwap(true, false) {
		return ErrStaleHandle
	}

	var zero T
	s.value = zero

	// Skip generation zero so that a zero Handle can never match a slot.
	if s.gen.Add(1) == 0 {
		s.gen.Store(1)
	}

	p.live.Add(-1)
	p.free <- h.index

	return nil
}

// ReleaseFromInterrupt is Release; it is spelled out for call sites in
// interrupt context, where blocking is not allowed. The free channel has room
// for every slot so the send cannot block.
func (p *Pool[T]) ReleaseFromInterrupt(h Handle) error {
	return p.Release(h)
}

func (p *Pool[T]) NumFree() int {
	return len(p.free)
}

func (p *Pool[T]) Cap() int {
	return len(p.slots)
}

// Live is the number of records currently allocated.
func (p *Pool[T]) Live() int {
	return int(p.live.Load())
}
