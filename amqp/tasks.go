package amqp

import "time"

// InfiniteRetry marks a retry count that never reaches zero: a nil or
// negative retry value on the original driver this behavior was ported
// from. Zero means "no retries". A positive N is decremented at each link
// or connection reset while the task is still pending, and the task fails
// once it reaches zero, so it survives at most N-1 resets.
const InfiniteRetry = -1

// Delivery is handed to a subscriber for each message received on one of
// its SubscriptionServer's addresses.
type Delivery struct {
	Message *Message
	// Disposition settles the delivery: release=false accepts it,
	// release=true releases it back to the broker. It must be safe to call
	// from any goroutine; internally it is routed through a
	// DispositionTask onto the processor goroutine.
	Disposition func(release bool)
}

// InboundQueue receives Deliveries for a subscription. Application code
// supplies its own channel or equivalent; this package only writes to it.
type InboundQueue chan<- Delivery

// SubscribeTask registers a SubscriptionServer for (Target, Service) under
// ListenerID, attaching it immediately if the connection is active.
// Re-registering the same (Target, Service, ListenerID) replaces the prior
// server.
type SubscribeTask struct {
	Target       Target
	Service      Service
	ListenerID   string
	Inbound      InboundQueue
	latch        *latch
}

// NewSubscribeTask builds a SubscribeTask. Call Wait() to block until the
// subscription has been registered (not necessarily attached, if the
// connection is currently down).
func NewSubscribeTask(target Target, service Service, listenerID string, inbound InboundQueue) *SubscribeTask {
	return &SubscribeTask{Target: target, Service: service, ListenerID: listenerID, Inbound: inbound, latch: newLatch()}
}

// Wait blocks until the task has been registered.
func (t *SubscribeTask) Wait() error { return t.latch.wait() }

func (t *SubscribeTask) execute(c *Controller) {
	c.subscribe(t)
	t.latch.complete(nil)
}

// SendTask is a generic send, fire-and-forget or fire-and-ack.
type SendTask struct {
	Name         string
	Message      *Message
	Target       Target
	Service      Service
	Mode         DeliveryMode
	Deadline     time.Time
	Retry        int
	WaitForAck   bool

	latch *latch
	timer *Timer

	// link is the senderLink currently holding this task in its pending
	// queue or unacked set, set once by senderLink.enqueue. onTimeout uses
	// it to excise the task from whichever list it still occupies when the
	// deadline fires before a terminal outcome was reached.
	link *senderLink

	// accepted is set once the broker has ACCEPTED the delivery. It changes
	// how a subsequent deadline expiry is reported: once accepted, the
	// message is out of the undeliverable-forever class entirely.
	accepted bool
	// onAccepted, if set, is invoked instead of succeed() when the broker
	// ACCEPTs the delivery. RPCCallTask sets this so an ACCEPTED disposition
	// alone does not complete the task — only the correlated reply (or a
	// subsequent timeout) does.
	onAccepted func()
	// cleanup, if set, runs whenever the task reaches a terminal outcome
	// (succeed or fail). RPCCallTask uses it to drop its reserved
	// correlation id from the ReplyReceiver.
	cleanup func()
}

// NewSendTask builds a SendTask. retry follows the InfiniteRetry convention.
func NewSendTask(name string, msg *Message, target Target, service Service, mode DeliveryMode, deadline time.Time, retry int, waitForAck bool) *SendTask {
	return &SendTask{
		Name: name, Message: msg, Target: target, Service: service, Mode: mode,
		Deadline: deadline, Retry: retry, WaitForAck: waitForAck, latch: newLatch(),
	}
}

// Wait blocks until the send reaches a terminal outcome: ack, non-ack
// disposition, timeout, or abort. Returns nil only on ACCEPTED (or, if
// WaitForAck is false, once the message has been handed to the engine).
func (t *SendTask) Wait() error { return t.latch.wait() }

func (t *SendTask) execute(c *Controller) {
	c.send(t)
}

// onTimeout is invoked by the Scheduler on the processor goroutine when the
// per-task deadline fires before a terminal outcome was reached. It first
// removes the task from whichever of its senderLink's pending/unacked lists
// it still occupies (idempotent — a no-op if already dispatched/removed),
// so a timed-out task is never sent later and never miscounted by idle().
func (t *SendTask) onTimeout() {
	if t.link != nil {
		t.link.removeTask(t)
	}
	if t.accepted {
		// The broker already owns the message; a late RPC reply (or a
		// missing one) is reported as Timeout, never undeliverable.
		t.fail(errTimeout("reply not received before deadline"))
		return
	}
	if !t.Message.hasTTL() {
		t.fail(errDeliveryFailure("undeliverable", nil))
		return
	}
	t.fail(errTimeout("send deadline exceeded"))
}

func (t *SendTask) fail(err error) {
	if t.timer != nil {
		t.timer.Cancel()
	}
	if t.cleanup != nil {
		t.cleanup()
	}
	t.latch.complete(err)
}

func (t *SendTask) succeed() {
	if t.timer != nil {
		t.timer.Cancel()
	}
	if t.cleanup != nil {
		t.cleanup()
	}
	t.latch.complete(nil)
}

func (m *Message) hasTTL() bool {
	return m != nil && m.TTL > 0
}

// RPCCallTask specializes SendTask with WaitForAck always true and a
// correlated reply.
type RPCCallTask struct {
	*SendTask
	replyID string
	reply   *Message
}

// NewRPCCallTask builds an RPCCallTask.
func NewRPCCallTask(name string, msg *Message, target Target, deadline time.Time, retry int) *RPCCallTask {
	st := NewSendTask(name, msg, target, ServiceRPC, Unicast, deadline, retry, true)
	return &RPCCallTask{SendTask: st}
}

// Wait blocks until the call completes, returning the reply message on
// success.
func (t *RPCCallTask) Wait() (*Message, error) {
	if err := t.SendTask.Wait(); err != nil {
		return nil, err
	}
	return t.reply, nil
}

func (t *RPCCallTask) execute(c *Controller) {
	c.rpcCall(t)
}

func (t *RPCCallTask) onReply(msg *Message) {
	t.reply = msg
	t.succeed()
}

// DispositionTask settles a previously received message. It always executes
// on the processor goroutine because the underlying receiver handle is not
// safe for concurrent use. Disposition errors are deliberately swallowed
// (ported as-is; see design notes on the original driver's bare except).
type DispositionTask struct {
	fn func() error
}

// NewDispositionTask wraps fn, a closure that performs the actual
// accept/release call against an EngineReceiver.
func NewDispositionTask(fn func() error) *DispositionTask {
	return &DispositionTask{fn: fn}
}

func (t *DispositionTask) execute(_ *Controller) {
	defer func() { _ = recover() }()
	_ = t.fn()
}
