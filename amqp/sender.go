package amqp

import (
	"context"

	"go.bryk.io/amqp10/log"
)

type linkState uint

const (
	stateDetached linkState = iota
	stateOpening
	stateActive
)

// senderLink is a single outbound link to one resolved address. The
// Controller keeps at most one senderLink per (target, service, mode)
// triple, reusing it across sends and across reconnects.
type senderLink struct {
	controller *Controller
	log        log.Logger

	target  Target
	service Service
	mode    DeliveryMode
	address string
	name    string

	state  linkState
	engine EngineSender

	pending []*SendTask
	unacked map[*SendTask]struct{}
}

func newSenderLink(c *Controller, target Target, service Service, mode DeliveryMode) *senderLink {
	return &senderLink{
		controller: c,
		log:        c.log.Sub(log.Fields{"component": "sender", "target": target.String()}),
		target:     target,
		service:    service,
		mode:       mode,
		unacked:    make(map[*SendTask]struct{}),
	}
}

// enqueue appends t to the pending queue and drains immediately if the link
// can already accept sends.
func (s *senderLink) enqueue(t *SendTask) {
	t.link = s
	s.pending = append(s.pending, t)
	if s.state == stateDetached {
		s.open()
		return
	}
	s.drain()
}

func (s *senderLink) open() {
	if s.state != stateDetached {
		return
	}
	addr, err := s.controller.addresser.Resolve(s.target, s.service, s.mode)
	if err != nil {
		s.log.Errorf("address resolution failed: %v", err)
		s.failPending(errDeliveryFailure("undeliverable", err))
		return
	}
	s.address = addr
	s.name = "sender-" + addr
	s.state = stateOpening

	ctx := context.Background()
	es, err := s.controller.conn.NewSender(ctx, s.name, addr)
	if err != nil {
		s.log.Warningf("sender open failed: %v", err)
		s.state = stateDetached
		return
	}
	s.engine = es
	s.controller.registerSender(es, s)
}

// onActive transitions Opening -> Active and drains pending sends.
func (s *senderLink) onActive() {
	s.state = stateActive
	s.drain()
}

func (s *senderLink) canSend() bool {
	return s.state == stateActive && s.engine != nil && s.engine.Credit() > 0
}

func (s *senderLink) drain() {
	for s.canSend() && len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		s.dispatch(t)
	}
}

func (s *senderLink) dispatch(t *SendTask) {
	msg := t.Message

	if !t.WaitForAck {
		if err := s.engine.Send(context.Background(), msg, nil); err != nil {
			s.log.Warningf("send failed: %v", err)
			t.fail(errDeliveryFailure("undeliverable", err))
			return
		}
		t.succeed()
		return
	}

	s.unacked[t] = struct{}{}
	err := s.engine.Send(context.Background(), msg, func(state DeliveryState, sendErr error) {
		delete(s.unacked, t)
		switch state {
		case StateAccepted:
			t.accepted = true
			if t.onAccepted != nil {
				t.onAccepted()
			} else {
				t.succeed()
			}
		default:
			t.fail(errDeliveryFailure(state.String(), sendErr))
		}
	})
	if err != nil {
		delete(s.unacked, t)
		s.log.Warningf("send failed: %v", err)
		t.fail(errDeliveryFailure("undeliverable", err))
	}
}

// removeTask excises t from whichever of pending/unacked it currently
// occupies. Idempotent: a no-op if t has already been dispatched off
// pending, settled off unacked, or removed by an earlier call.
func (s *senderLink) removeTask(t *SendTask) {
	if _, ok := s.unacked[t]; ok {
		delete(s.unacked, t)
		return
	}
	for i, p := range s.pending {
		if p == t {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

func (s *senderLink) failPending(err error) {
	for _, t := range s.pending {
		if t.timer != nil {
			t.timer.Cancel()
		}
		t.fail(err)
	}
	s.pending = nil
}

// onClosed handles the sender-closed-while-connection-live case: fail
// unacked, decrement retry on pending, schedule a reopen.
func (s *senderLink) onClosed(err error) {
	s.state = stateDetached
	s.engine = nil
	for t := range s.unacked {
		delete(s.unacked, t)
		t.fail(errDeliveryFailure("sender closed", err))
	}
	s.applyRetryDecrement()
	s.controller.scheduler.Defer(func() { s.open() }, s.controller.cfg.LinkRetryDelay)
}

// reset is the hard-failure path used during connection loss / failover: it
// is identical to onClosed except it destroys the engine link first and
// never schedules its own reopen — the Controller's reconnect sequence
// re-attaches every surviving senderLink once the new connection is active.
func (s *senderLink) reset() {
	s.state = stateDetached
	if s.engine != nil {
		s.engine.Destroy()
	}
	s.engine = nil
	for t := range s.unacked {
		delete(s.unacked, t)
		t.fail(errDeliveryFailure("link reset", nil))
	}
	s.applyRetryDecrement()
}

// applyRetryDecrement decrements Retry on every still-pending task,
// failing any that reach zero. This intentionally charges every pending
// task once per reset even if it has survived several resets already,
// reproducing the original driver's behavior (see design notes).
func (s *senderLink) applyRetryDecrement() {
	survivors := s.pending[:0]
	for _, t := range s.pending {
		if t.Retry == InfiniteRetry {
			survivors = append(survivors, t)
			continue
		}
		if t.Retry == 0 {
			t.fail(errDeliveryFailure("send retries exhausted", nil))
			continue
		}
		t.Retry--
		if t.Retry == 0 {
			t.fail(errDeliveryFailure("send retries exhausted", nil))
			continue
		}
		survivors = append(survivors, t)
	}
	s.pending = survivors
}

// detach gracefully closes the engine-level link without touching pending
// or unacked bookkeeping, leaving both for the normal reconnect sequence to
// resolve. Used when the connection as a whole is being recovered (reply
// link down, graceful shutdown) rather than just this one link.
func (s *senderLink) detach() {
	if s.engine != nil {
		delete(s.controller.senderByEngine, s.engine)
		_ = s.engine.Close(context.Background())
		s.engine = nil
	}
	s.state = stateDetached
}

func (s *senderLink) destroy(reason string) {
	s.reset()
	s.failPending(errDeliveryFailure(reason, nil))
	if s.engine != nil {
		s.engine.Destroy()
		s.engine = nil
	}
}

func (s *senderLink) idle() bool {
	return len(s.pending) == 0 && len(s.unacked) == 0
}
