package amqp

import (
	"context"
	"time"

	"go.bryk.io/amqp10/log"
)

// maxReconnectDelay is the hard cap the reconnect backoff doubles up to:
// 1, 2, 4, 8, 16, 32, 60, 60, ... This is fixed by the driver itself, not
// configurable — the original implementation hardcodes min(delay*2, 60) and
// never consults its own conn_retry_interval_max option in this calculation.
const maxReconnectDelay = 60 * time.Second

type connState uint

const (
	connIdle connState = iota
	connConnecting
	connReplyPending
	connActive
	connDraining
)

func (s connState) String() string {
	switch s {
	case connIdle:
		return "idle"
	case connConnecting:
		return "connecting"
	case connReplyPending:
		return "reply-pending"
	case connActive:
		return "active"
	case connDraining:
		return "draining"
	default:
		return "unknown"
	}
}

type subKey struct {
	target  string
	service Service
}

type senderKey struct {
	target  string
	service Service
	mode    DeliveryMode
}

type subReceiverBinding struct {
	server *subscriptionServer
	rcv    *subReceiver
}

// ConnectionFactory builds a fresh, unopened EngineConnection for each
// connect/reconnect attempt. post is the Controller's scheduler.Post: any
// background goroutine the connection spins up (to wrap the underlying
// protocol library's blocking calls) must route its results through post so
// every EngineHandler/DeliveryCallback invocation lands on the processor
// goroutine.
type ConnectionFactory func(post func(func())) EngineConnection

// Controller owns the transport connection, manages host failover,
// multiplexes every SenderLink/ReplyReceiver/SubscriptionServer over it, and
// runs the single processor goroutine all of that state lives on.
type Controller struct {
	cfg       Config
	hosts     *HostList
	connFactory ConnectionFactory
	log       log.Logger

	scheduler *Scheduler
	queue     *TaskQueue

	state        connState
	closing      bool
	reconnecting bool
	reconnectDelay time.Duration
	shutdownDone chan struct{}

	conn      EngineConnection
	addresser Addresser

	senders        map[senderKey]*senderLink
	senderByEngine map[EngineSender]*senderLink

	subs                map[subKey]*subscriptionServer
	subReceiverByEngine map[EngineReceiver]*subReceiverBinding

	replies *replyReceiver

	onRepliesReady func()

	started bool
}

// NewController builds a Controller. connFactory is called once per
// connect attempt to obtain a fresh EngineConnection instance.
func NewController(cfg Config, hosts *HostList, connFactory ConnectionFactory, logger log.Logger) *Controller {
	c := &Controller{
		cfg:                 cfg,
		hosts:               hosts,
		connFactory:         connFactory,
		log:                 logger,
		scheduler:           NewScheduler(),
		senders:             make(map[senderKey]*senderLink),
		senderByEngine:      make(map[EngineSender]*senderLink),
		subs:                make(map[subKey]*subscriptionServer),
		subReceiverByEngine: make(map[EngineReceiver]*subReceiverBinding),
		reconnectDelay:      cfg.ConnectionRetryInterval,
		shutdownDone:        make(chan struct{}),
	}
	c.queue = NewTaskQueue(cfg.TaskQueueCapacity, func() { c.scheduler.Post(c.processTasks) })
	return c
}

// AddTask submits t for execution on the processor goroutine. Safe to call
// from any goroutine; blocks only if the queue is at capacity.
func (c *Controller) AddTask(t Task) {
	c.queue.Add(t)
}

// Connect starts the processor goroutine (idempotent) and kicks off the
// first connection attempt.
func (c *Controller) Connect() {
	if c.started {
		return
	}
	c.started = true
	go c.run()
	c.scheduler.Post(c.doConnect)
}

// Shutdown gracefully tears the connection and processor goroutine down,
// waiting up to timeout for the processor to finish.
func (c *Controller) Shutdown(timeout time.Duration) error {
	c.scheduler.Post(func() {
		c.closing = true
		c.state = connDraining
		c.teardownGraceful()
	})
	select {
	case <-c.shutdownDone:
		return nil
	case <-time.After(timeout):
		return errDeliveryFailure("shutdown timed out", nil)
	}
}

// run is the processor goroutine: the single consumer of every timer,
// task-queue wakeup, and protocol-engine event in the Controller.
func (c *Controller) run() {
	for fn := range c.scheduler.Channel() {
		fn()
		if c.closing && c.state == connIdle {
			close(c.shutdownDone)
			return
		}
	}
}

// processTasks drains and executes up to cfg.MaxTaskBatch tasks, re-arming
// itself if the queue is still non-empty afterward.
func (c *Controller) processTasks() {
	c.queue.disarm()
	for _, t := range c.queue.drain(c.cfg.MaxTaskBatch) {
		c.executeTask(t)
	}
	if c.queue.pending() {
		c.scheduler.Post(c.processTasks)
	}
}

func (c *Controller) executeTask(t Task) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Errorf("task panic recovered: %v", r)
		}
	}()
	t.execute(c)
}

// --- connection lifecycle -------------------------------------------------

func (c *Controller) doConnect() {
	c.state = connConnecting
	c.conn = c.connFactory(c.scheduler.Post)
	host := c.hosts.Current()
	if err := c.conn.Open(context.Background(), host, c.cfg, c); err != nil {
		c.log.Warningf("connect to %s failed: %v", host, err)
		c.handleConnectionLoss(err)
		return
	}
}

// ConnectionActive implements EngineHandler.
func (c *Controller) ConnectionActive() {
	c.scheduler.Post(func() {
		c.state = connReplyPending
		c.addresser = NewAddresser(c.cfg, c.conn.RemoteProperties())
		for _, s := range c.subs {
			s.attach()
		}
		c.replies = newReplyReceiver(c, c.cfg.ReplyLinkCredit)
		c.onRepliesReady = c.onReplyReceiverReady
		c.replies.attach()
	})
}

func (c *Controller) onReplyReceiverReady() {
	c.state = connActive
	c.reconnectDelay = c.cfg.ConnectionRetryInterval
	for _, s := range c.senders {
		s.open()
	}
}

// ConnectionClosed implements EngineHandler.
func (c *Controller) ConnectionClosed(err error) {
	c.scheduler.Post(func() { c.handleConnectionLoss(err) })
}

// ConnectionFailed implements EngineHandler.
func (c *Controller) ConnectionFailed(err error) {
	c.scheduler.Post(func() { c.handleConnectionLoss(err) })
}

// SASLOutcome implements EngineHandler.
func (c *Controller) SASLOutcome(ok bool, err error) {
	if !ok {
		c.log.Errorf("sasl handshake failed: %v", errAuthenticationFailure("sasl handshake failed", err))
	}
}

func (c *Controller) handleConnectionLoss(err error) {
	c.addresser = nil
	if c.closing {
		c.teardownGraceful()
		return
	}
	if c.reconnecting {
		return
	}
	c.reconnecting = true
	delay := c.reconnectDelay
	c.reconnectDelay = minDuration(c.reconnectDelay*2, maxReconnectDelay)
	c.scheduler.Defer(func() { c.doReconnect(err) }, delay)
}

func (c *Controller) doReconnect(_ error) {
	c.reconnecting = false
	c.hardReset()
	c.hosts.Next()
	c.state = connIdle
	c.doConnect()
}

// hardReset tears down every link/receiver. Idle senderLinks are destroyed
// and removed; busy ones and every SubscriptionServer are reset but kept,
// so their pending work survives across the reconnect.
func (c *Controller) hardReset() {
	for key, s := range c.senders {
		if s.idle() {
			s.destroy("link destroyed")
			delete(c.senders, key)
			continue
		}
		s.reset()
	}
	for _, s := range c.subs {
		s.reset()
	}
	if c.replies != nil {
		c.replies.destroy()
		c.replies = nil
	}
	c.senderByEngine = make(map[EngineSender]*senderLink)
	c.subReceiverByEngine = make(map[EngineReceiver]*subReceiverBinding)
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
		c.conn = nil
	}
}

func (c *Controller) teardownGraceful() {
	for _, s := range c.senders {
		s.detach()
	}
	for _, s := range c.subs {
		s.detach()
	}
	if c.replies != nil {
		c.replies.destroy()
		c.replies = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
		c.conn = nil
	}
	c.state = connIdle
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}

// --- sender link dispatch --------------------------------------------------

// SenderActive implements EngineHandler.
func (c *Controller) SenderActive(link EngineSender) {
	c.scheduler.Post(func() {
		if s, ok := c.senderByEngine[link]; ok {
			s.onActive()
		}
	})
}

// SenderClosed implements EngineHandler.
func (c *Controller) SenderClosed(link EngineSender, err error) {
	c.scheduler.Post(func() {
		if s, ok := c.senderByEngine[link]; ok {
			delete(c.senderByEngine, link)
			s.onClosed(err)
		}
	})
}

// CreditGranted implements EngineHandler.
func (c *Controller) CreditGranted(link EngineSender) {
	c.scheduler.Post(func() {
		if s, ok := c.senderByEngine[link]; ok {
			s.drain()
		}
	})
}

func (c *Controller) registerSender(es EngineSender, s *senderLink) {
	c.senderByEngine[es] = s
}

// --- receiver dispatch (reply receiver + subscriptions) --------------------

// ReceiverActive implements EngineHandler.
func (c *Controller) ReceiverActive(link EngineReceiver) {
	c.scheduler.Post(func() {
		if c.replies != nil && link == c.replies.engine {
			c.replies.onActive()
			return
		}
		if b, ok := c.subReceiverByEngine[link]; ok {
			b.server.onReceiverActive(b.rcv)
		}
	})
}

// ReceiverClosed implements EngineHandler.
func (c *Controller) ReceiverClosed(link EngineReceiver, err error) {
	c.scheduler.Post(func() {
		if c.replies != nil && link == c.replies.engine {
			c.replies.onDown(err)
			c.handleReplyLinkDown(err)
			return
		}
		if b, ok := c.subReceiverByEngine[link]; ok {
			delete(c.subReceiverByEngine, link)
			b.server.onReceiverClosed(b.rcv)
		}
	})
}

// handleReplyLinkDown recovers from the peer closing the single reply
// receiver while the connection is otherwise healthy: every reply-to
// address handed out so far is now stale, so the whole connection is torn
// down and rebuilt through the normal connection-loss/reconnect path rather
// than just reopening the one link.
func (c *Controller) handleReplyLinkDown(err error) {
	if c.closing || c.state == connIdle {
		return
	}
	c.log.Warningf("reply link down, recovering connection: %v", err)
	for _, s := range c.senders {
		s.detach()
	}
	for _, s := range c.subs {
		s.detach()
	}
	if c.replies != nil {
		c.replies.destroy()
		c.replies = nil
	}
	if c.conn != nil {
		_ = c.conn.Close(context.Background())
	}
}

// MessageReceived implements EngineHandler.
func (c *Controller) MessageReceived(link EngineReceiver, handle uint64, msg *Message) {
	c.scheduler.Post(func() {
		if c.replies != nil && link == c.replies.engine {
			c.replies.onMessage(handle, msg)
			return
		}
		if b, ok := c.subReceiverByEngine[link]; ok {
			b.server.onMessage(b.rcv, handle, msg)
		}
	})
}

func (c *Controller) registerSubReceiver(es EngineReceiver, s *subscriptionServer, rcv *subReceiver) {
	c.subReceiverByEngine[es] = &subReceiverBinding{server: s, rcv: rcv}
}

// --- task execution ---------------------------------------------------------

func (c *Controller) subscribe(t *SubscribeTask) {
	key := subKey{target: t.Target.String(), service: t.Service}
	s := newSubscriptionServer(c, t)
	c.subs[key] = s
	if c.state == connActive || c.state == connReplyPending {
		s.attach()
	}
}

func (c *Controller) send(t *SendTask) {
	if !t.Deadline.IsZero() && !t.Deadline.After(time.Now()) {
		// A deadline already past at task-creation time always reports
		// Timeout, unconditionally: the message never got a chance to sit
		// undeliverable on a broker queue, so the TTL distinction that
		// governs a timer firing mid-wait (see onTimeout) doesn't apply.
		t.fail(errTimeout("send deadline already passed"))
		return
	}
	mode := t.Mode
	if t.Target.Fanout {
		mode = Multicast
	}
	key := senderKey{target: t.Target.String(), service: t.Service, mode: mode}
	s, ok := c.senders[key]
	if !ok {
		s = newSenderLink(c, t.Target, t.Service, mode)
		c.senders[key] = s
	}
	if !t.Deadline.IsZero() {
		t.timer = c.scheduler.Alarm(t.onTimeout, t.Deadline)
	}
	s.enqueue(t)
}

func (c *Controller) rpcCall(t *RPCCallTask) {
	if c.replies == nil || !c.replies.active {
		t.fail(errDeliveryFailure("reply receiver not ready", nil))
		return
	}
	replies := c.replies
	t.replyID = replies.prepareForResponse(t.Message, func(reply *Message) {
		if reply == nil {
			t.fail(errDeliveryFailure("reply receiver destroyed", nil))
			return
		}
		t.onReply(reply)
	})
	id := t.replyID
	t.cleanup = func() { replies.cancelResponse(id) }
	// ACCEPTED alone never completes an RPC call: the correlated reply (or
	// the per-task deadline) is the only terminal outcome once the send
	// itself has been accepted by the broker.
	t.onAccepted = func() {}
	c.send(t.SendTask)
}
