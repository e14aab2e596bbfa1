package amqp

import (
	"sync/atomic"
	"time"
)

// Scheduler supplies timers and deferred callbacks that are guaranteed to
// run on the processor goroutine, never on the timer's own goroutine. Every
// fired callback is posted onto a channel the processor drains from its
// single select loop, alongside protocol engine events.
type Scheduler struct {
	fire chan func()
}

// NewScheduler returns a Scheduler whose fired callbacks are delivered on
// the returned Channel().
func NewScheduler() *Scheduler {
	return &Scheduler{fire: make(chan func(), 64)}
}

// Channel returns the channel the processor goroutine must select on to
// execute fired callbacks.
func (s *Scheduler) Channel() <-chan func() {
	return s.fire
}

// Timer is a cancellable handle to a scheduled callback.
type Timer struct {
	t        *time.Timer
	fired    int32
	canceled int32
}

// Cancel prevents the callback from running if it hasn't fired yet. It is
// safe to call multiple times and from any goroutine. Returns false if the
// callback had already fired (or already been canceled).
func (tm *Timer) Cancel() bool {
	if !atomic.CompareAndSwapInt32(&tm.canceled, 0, 1) {
		return false
	}
	tm.t.Stop()
	return atomic.LoadInt32(&tm.fired) == 0
}

// Post schedules fn to run on the processor goroutine as soon as it next
// drains its channel, with no timer involved. This is the hot path used by
// engine adapters to hand protocol events (message arrivals, credit
// updates, link state changes) back to the processor goroutine.
func (s *Scheduler) Post(fn func()) {
	select {
	case s.fire <- fn:
	default:
		go func() { s.fire <- fn }()
	}
}

// Alarm schedules fn to run on the processor goroutine at deadline. A
// deadline in the past fires as soon as the processor next drains its
// channel.
func (s *Scheduler) Alarm(fn func(), deadline time.Time) *Timer {
	return s.Defer(fn, time.Until(deadline))
}

// Defer schedules fn to run on the processor goroutine after delay.
func (s *Scheduler) Defer(fn func(), delay time.Duration) *Timer {
	if delay < 0 {
		delay = 0
	}
	tm := &Timer{}
	tm.t = time.AfterFunc(delay, func() {
		if atomic.LoadInt32(&tm.canceled) == 1 {
			return
		}
		atomic.StoreInt32(&tm.fired, 1)
		select {
		case s.fire <- fn:
		default:
			// Channel full: still deliver, just don't block the runtime
			// timer goroutine indefinitely.
			go func() { s.fire <- fn }()
		}
	})
	return tm
}
