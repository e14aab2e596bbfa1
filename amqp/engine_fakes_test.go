package amqp

import (
	"context"
	"testing"

	"go.bryk.io/amqp10/log"
)

// fakeSender is a fully synchronous, in-memory EngineSender used to drive
// senderLink and Controller tests without a real broker.
type fakeSender struct {
	credit      int
	active      bool
	closed      bool
	destroyed   bool
	sendErr     error
	sent        []*Message
	pendingCbs  []DeliveryCallback
}

func newFakeSender(credit int) *fakeSender {
	return &fakeSender{credit: credit, active: true}
}

func (f *fakeSender) Close(_ context.Context) error { f.closed = true; return nil }
func (f *fakeSender) Destroy()                      { f.destroyed = true }

func (f *fakeSender) Send(_ context.Context, msg *Message, cb DeliveryCallback) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	f.sent = append(f.sent, msg)
	f.credit--
	if cb != nil {
		f.pendingCbs = append(f.pendingCbs, cb)
	}
	return nil
}

func (f *fakeSender) Credit() int  { return f.credit }
func (f *fakeSender) Active() bool { return f.active }

// settleOldest invokes the oldest still-unresolved delivery callback.
func (f *fakeSender) settleOldest(state DeliveryState, err error) {
	cb := f.pendingCbs[0]
	f.pendingCbs = f.pendingCbs[1:]
	cb(state, err)
}

// fakeReceiver is a fully synchronous, in-memory EngineReceiver.
type fakeReceiver struct {
	credit    int
	active    bool
	closed    bool
	destroyed bool
	accepted  []uint64
	released  []uint64
	modified  []uint64
}

func newFakeReceiver(credit int) *fakeReceiver {
	return &fakeReceiver{credit: credit, active: true}
}

func (f *fakeReceiver) Close(_ context.Context) error { f.closed = true; return nil }
func (f *fakeReceiver) Destroy()                      { f.destroyed = true }

func (f *fakeReceiver) AddCredit(n uint32) error { f.credit += int(n); return nil }
func (f *fakeReceiver) Credit() int              { return f.credit }

func (f *fakeReceiver) Accept(handle uint64) error  { f.accepted = append(f.accepted, handle); return nil }
func (f *fakeReceiver) Release(handle uint64) error { f.released = append(f.released, handle); return nil }
func (f *fakeReceiver) Modify(handle uint64, _, _ bool) error {
	f.modified = append(f.modified, handle)
	return nil
}

func (f *fakeReceiver) SourceAddress() string { return "fake-source" }
func (f *fakeReceiver) Active() bool          { return f.active }
func (f *fakeReceiver) Closed() bool          { return f.closed }

// fakeConnection hands out fakeSender/fakeReceiver instances and lets tests
// inject failures for the next NewSender/NewReceiver call.
type fakeConnection struct {
	peer PeerProperties

	nextSenderErr   error
	nextReceiverErr error

	senderCredit   int
	receiverCredit int

	senders   []*fakeSender
	receivers []*fakeReceiver

	closed bool
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{senderCredit: 10, receiverCredit: 100}
}

func (f *fakeConnection) Open(_ context.Context, _ Host, _ Config, _ EngineHandler) error {
	return nil
}

func (f *fakeConnection) Close(_ context.Context) error { f.closed = true; return nil }

func (f *fakeConnection) NewSender(_ context.Context, _, _ string) (EngineSender, error) {
	if f.nextSenderErr != nil {
		err := f.nextSenderErr
		f.nextSenderErr = nil
		return nil, err
	}
	s := newFakeSender(f.senderCredit)
	f.senders = append(f.senders, s)
	return s, nil
}

func (f *fakeConnection) NewReceiver(_ context.Context, _, _ string, credit uint32) (EngineReceiver, error) {
	if f.nextReceiverErr != nil {
		err := f.nextReceiverErr
		f.nextReceiverErr = nil
		return nil, err
	}
	r := newFakeReceiver(int(credit))
	f.receivers = append(f.receivers, r)
	return r, nil
}

func (f *fakeConnection) RemoteProperties() PeerProperties { return f.peer }

// testController builds a Controller wired to a fakeConnection, still in the
// Idle state (tests that need it Active call activate()), without ever
// starting the real processor goroutine: tests drain the Scheduler channel
// by hand via step().
func testController(t *testing.T) (*Controller, *fakeConnection) {
	t.Helper()
	conn := newFakeConnection()
	cfg := DefaultConfig()
	cfg.MaxTaskBatch = 50
	cfg.TaskQueueCapacity = 500
	hosts := NewHostList(nil, "guest", "guest")
	c := NewController(cfg, hosts, func(func(func())) EngineConnection { return conn }, log.Discard())
	return c, conn
}

// minimalController builds a bare Controller with its maps initialized and
// a fakeConnection/Addresser already wired in, for tests that exercise a
// single component (senderLink, subscriptionServer, replyReceiver) directly
// without driving the full connect/reconnect state machine.
func minimalController() (*Controller, *fakeConnection) {
	conn := newFakeConnection()
	cfg := DefaultConfig()
	c := &Controller{
		cfg:                 cfg,
		log:                 log.Discard(),
		scheduler:           NewScheduler(),
		senders:             make(map[senderKey]*senderLink),
		senderByEngine:      make(map[EngineSender]*senderLink),
		subs:                make(map[subKey]*subscriptionServer),
		subReceiverByEngine: make(map[EngineReceiver]*subReceiverBinding),
		reconnectDelay:      cfg.ConnectionRetryInterval,
		shutdownDone:        make(chan struct{}),
	}
	c.conn = conn
	c.addresser = NewAddresser(cfg, PeerProperties{})
	c.queue = NewTaskQueue(cfg.TaskQueueCapacity, func() {})
	return c, conn
}

// step drains and runs every function currently queued on the Scheduler
// channel, without blocking if it is empty. Repeated calls let a test
// advance the processor state machine one synchronous step at a time.
func step(c *Controller) {
	for {
		select {
		case fn := <-c.scheduler.Channel():
			fn()
		default:
			return
		}
	}
}
