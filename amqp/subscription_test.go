package amqp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubscriptionServerNotifyAttachesAnycastOnly(t *testing.T) {
	c, conn := minimalController()
	inbound := make(chan Delivery, 4)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)

	s := newSubscriptionServer(c, task)
	s.attach()

	assert.Len(t, s.receivers, 1)
	assert.Len(t, conn.receivers, 1)
}

func TestSubscriptionServerRPCAttachesThreeAddresses(t *testing.T) {
	c, conn := minimalController()
	c.cfg.AddressingMode = AddressingRoutable
	c.addresser = NewAddresser(c.cfg, PeerProperties{})
	inbound := make(chan Delivery, 4)
	task := NewSubscribeTask(Target{Topic: "calls", Server: "node-1"}, ServiceRPC, "listener-1", inbound)

	s := newSubscriptionServer(c, task)
	s.attach()

	assert.Len(t, s.receivers, 3)
	assert.Len(t, conn.receivers, 3)
}

func TestSubscriptionServerMessageDeliversAndDispositionAccepts(t *testing.T) {
	c, _ := minimalController()
	inbound := make(chan Delivery, 1)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)
	s := newSubscriptionServer(c, task)
	s.attach()
	require.Len(t, s.receivers, 1)
	rcv := s.receivers[0]

	s.onMessage(rcv, 42, &Message{Body: []byte("hi")})

	var delivery Delivery
	select {
	case delivery = <-inbound:
	default:
		t.Fatal("expected a delivery to be enqueued")
	}

	delivery.Disposition(false)
	// the disposition is routed through a DispositionTask onto the
	// processor goroutine; execute it directly since this test drives
	// components synchronously.
	drainOneTask(t, c)

	assert.Contains(t, rcv.engine.(*fakeReceiver).accepted, uint64(42))
}

func TestSubscriptionServerDispositionReleases(t *testing.T) {
	c, _ := minimalController()
	inbound := make(chan Delivery, 1)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)
	s := newSubscriptionServer(c, task)
	s.attach()
	rcv := s.receivers[0]

	s.onMessage(rcv, 7, &Message{})
	delivery := <-inbound
	delivery.Disposition(true)
	drainOneTask(t, c)

	assert.Contains(t, rcv.engine.(*fakeReceiver).released, uint64(7))
}

func TestSubscriptionServerTopsUpCreditBelowHalf(t *testing.T) {
	c, _ := minimalController()
	inbound := make(chan Delivery, 1)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)
	s := newSubscriptionServer(c, task)
	s.attach()
	rcv := s.receivers[0]
	fr := rcv.engine.(*fakeReceiver)
	fr.credit = int(s.credit)/2 - 1

	s.topUp(rcv)
	assert.EqualValues(t, s.credit, fr.credit)
}

func TestSubscriptionServerResetDestroysReceivers(t *testing.T) {
	c, _ := minimalController()
	inbound := make(chan Delivery, 1)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)
	s := newSubscriptionServer(c, task)
	s.attach()
	rcv := s.receivers[0]
	fr := rcv.engine.(*fakeReceiver)

	s.reset()
	assert.True(t, fr.destroyed)
	assert.Nil(t, rcv.engine)
	assert.True(t, rcv.closed)
}

func TestSubscriptionServerReopenReplacesClosedReceivers(t *testing.T) {
	c, conn := minimalController()
	inbound := make(chan Delivery, 1)
	task := NewSubscribeTask(Target{Topic: "events"}, ServiceNotify, "listener-1", inbound)
	s := newSubscriptionServer(c, task)
	s.attach()
	rcv := s.receivers[0]

	s.onReceiverClosed(rcv)
	assert.True(t, s.reopenSet)

	s.reopenLinks()
	assert.False(t, s.reopenSet)
	assert.False(t, rcv.closed)
	assert.Len(t, conn.receivers, 2) // original + reopened
}

// drainOneTask pops and executes a single task the component under test
// queued via Controller.AddTask, without spinning up the real processor
// goroutine.
func drainOneTask(t *testing.T, c *Controller) {
	t.Helper()
	batch := c.queue.drain(1)
	require.Len(t, batch, 1)
	batch[0].execute(c)
}
