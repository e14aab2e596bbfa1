package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSenderLinkOpenDispatchesOnActive(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceNotify, Anycast)

	task := NewSendTask("n", &Message{Body: []byte("x")}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, false)
	s.enqueue(task)
	require.Equal(t, stateOpening, s.state)
	require.Len(t, conn.senders, 1)

	s.onActive()
	assert.Equal(t, stateActive, s.state)
	assert.NoError(t, task.Wait())
	assert.Len(t, conn.senders[0].sent, 1)
}

func TestSenderLinkWaitForAckSucceedsOnAccepted(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceRPC, Unicast)

	task := NewSendTask("n", &Message{Body: []byte("x")}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, true)
	s.enqueue(task)
	s.onActive()

	require.Len(t, conn.senders[0].pendingCbs, 1)
	conn.senders[0].settleOldest(StateAccepted, nil)
	assert.NoError(t, task.Wait())
	assert.Empty(t, s.unacked)
}

func TestSenderLinkWaitForAckFailsOnNonAccepted(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceRPC, Unicast)

	task := NewSendTask("n", &Message{Body: []byte("x")}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, true)
	s.enqueue(task)
	s.onActive()
	conn.senders[0].settleOldest(StateReleased, nil)

	err := task.Wait()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDeliveryFailure))
}

func TestSenderLinkCreditGatesDispatch(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceNotify, Anycast)

	first := NewSendTask("n1", &Message{}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, false)
	s.enqueue(first)
	s.onActive()
	require.NoError(t, first.Wait())

	// Exhaust credit, then enqueue a second task: it must stay pending until
	// credit is replenished.
	conn.senders[0].credit = 0
	second := NewSendTask("n2", &Message{}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, false)
	s.enqueue(second)
	assert.Len(t, s.pending, 1)

	conn.senders[0].credit = 1
	s.drain()
	assert.NoError(t, second.Wait())
	assert.Empty(t, s.pending)
}

func TestSenderLinkResetFailsUnackedAndDecrementsPendingRetry(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceRPC, Unicast)

	inFlight := NewSendTask("inflight", &Message{}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, true)
	s.enqueue(inFlight)
	s.onActive()
	require.Len(t, conn.senders[0].pendingCbs, 1)

	conn.senders[0].credit = 0 // keep the next one pending, not dispatched
	queued := NewSendTask("queued", &Message{}, s.target, s.service, s.mode, time.Time{}, 1, true)
	s.enqueue(queued)
	require.Len(t, s.pending, 1)

	s.reset()

	err := inFlight.Wait()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDeliveryFailure))

	// queued had Retry=1: one decrement leaves it at zero and failed.
	err = queued.Wait()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retries exhausted")
}

func TestSenderLinkInfiniteRetrySurvivesReset(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceRPC, Unicast)
	conn.senders = nil

	task := NewSendTask("n", &Message{}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, true)
	// Force it to stay pending by never activating the link.
	s.pending = append(s.pending, task)
	s.reset()

	select {
	case <-task.latch.done:
		t.Fatal("infinite-retry task should survive a reset")
	default:
	}
	assert.Len(t, s.pending, 1)
}

func TestSenderLinkTimeoutExcisesStillPendingTask(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceNotify, Anycast)

	conn.senders = nil
	task := NewSendTask("n", &Message{}, s.target, s.service, s.mode, time.Now().Add(time.Hour), InfiniteRetry, false)
	s.enqueue(task) // link not yet active: stays in pending
	require.Len(t, s.pending, 1)
	require.False(t, s.idle())

	task.onTimeout() // simulate the Scheduler's Alarm firing early

	assert.Empty(t, s.pending)
	assert.True(t, s.idle())

	err := task.Wait()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDeliveryFailure))

	// The link becoming active later must not dispatch the timed-out task:
	// it is gone from pending, so drain() has nothing left to send.
	s.onActive()
	require.Len(t, conn.senders, 1)
	assert.Empty(t, conn.senders[0].sent)
}

func TestSenderLinkTimeoutExcisesDispatchedUnackedTask(t *testing.T) {
	c, conn := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceRPC, Unicast)

	task := NewSendTask("n", &Message{}, s.target, s.service, s.mode, time.Now().Add(time.Hour), InfiniteRetry, true)
	s.enqueue(task)
	s.onActive()
	require.Len(t, conn.senders[0].pendingCbs, 1)
	require.Contains(t, s.unacked, task)

	task.onTimeout()

	assert.Empty(t, s.unacked)
	assert.True(t, s.idle())
	err := task.Wait()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindDeliveryFailure))
}

func TestSenderLinkIdleAfterAllTasksSettled(t *testing.T) {
	c, _ := minimalController()
	s := newSenderLink(c, Target{Topic: "t"}, ServiceNotify, Anycast)
	assert.True(t, s.idle())

	task := NewSendTask("n", &Message{}, s.target, s.service, s.mode, time.Time{}, InfiniteRetry, false)
	s.enqueue(task)
	s.onActive()
	require.NoError(t, task.Wait())
	assert.True(t, s.idle())
}
