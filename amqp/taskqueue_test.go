package amqp

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeTask struct{ ran *int32 }

func (f fakeTask) execute(_ *Controller) { atomic.AddInt32(f.ran, 1) }

func TestTaskQueueCoalescesWakeups(t *testing.T) {
	var wakeups int32
	q := NewTaskQueue(10, func() { atomic.AddInt32(&wakeups, 1) })

	var ran int32
	q.Add(fakeTask{ran: &ran})
	q.Add(fakeTask{ran: &ran})
	q.Add(fakeTask{ran: &ran})

	assert.EqualValues(t, 1, atomic.LoadInt32(&wakeups), "concurrent adds should coalesce to a single wake-up")

	batch := q.drain(10)
	assert.Len(t, batch, 3)
}

func TestTaskQueueRearmsAfterDisarm(t *testing.T) {
	var wakeups int32
	q := NewTaskQueue(10, func() { atomic.AddInt32(&wakeups, 1) })

	var ran int32
	q.Add(fakeTask{ran: &ran})
	q.disarm()
	q.Add(fakeTask{ran: &ran})

	assert.EqualValues(t, 2, atomic.LoadInt32(&wakeups))
}

func TestTaskQueueDrainRespectsMaxBatch(t *testing.T) {
	q := NewTaskQueue(10, func() {})
	var ran int32
	for i := 0; i < 5; i++ {
		q.Add(fakeTask{ran: &ran})
	}
	batch := q.drain(3)
	assert.Len(t, batch, 3)
	assert.True(t, q.pending())
}
