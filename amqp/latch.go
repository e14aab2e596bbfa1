package amqp

import "sync"

// latch is a single-shot completion signal shared between an application
// goroutine blocked in Task.Wait() and the processor goroutine that
// completes the task exactly once.
type latch struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newLatch() *latch {
	return &latch{done: make(chan struct{})}
}

// complete releases any waiter. Safe to call more than once; only the first
// call has any effect.
func (l *latch) complete(err error) {
	l.once.Do(func() {
		l.err = err
		close(l.done)
	})
}

// wait blocks until complete is called and returns the recorded error.
func (l *latch) wait() error {
	<-l.done
	return l.err
}
