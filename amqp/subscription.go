package amqp

import (
	"context"

	"go.bryk.io/amqp10/log"
)

// subReceiver is one of possibly several receiver links a
// subscriptionServer keeps open, one per resolved address.
type subReceiver struct {
	address string
	engine  EngineReceiver
	closed  bool
}

// subscriptionServer groups every receiver link backing one (target,
// service) subscription. RPC subscriptions bind unicast, multicast, and
// anycast addresses; notification subscriptions bind anycast only — the
// distinction is entirely in which addresses Addresser.Subscriptions
// returns, not in separate Go types (composition, not inheritance).
type subscriptionServer struct {
	controller *Controller
	log        log.Logger

	target     Target
	service    Service
	listenerID string
	inbound    InboundQueue
	credit     uint32

	receivers []*subReceiver
	reopenSet bool
}

func newSubscriptionServer(c *Controller, t *SubscribeTask) *subscriptionServer {
	credit := c.cfg.RPCServerCredit
	if t.Service == ServiceNotify {
		credit = c.cfg.NotifyServerCredit
	}
	return &subscriptionServer{
		controller: c,
		log:        c.log.Sub(log.Fields{"component": "subscription", "target": t.Target.String(), "service": t.Service.String()}),
		target:     t.Target,
		service:    t.Service,
		listenerID: t.ListenerID,
		inbound:    t.Inbound,
		credit:     credit,
	}
}

// attach resolves the address set and opens one receiver link per address.
func (s *subscriptionServer) attach() {
	addrs, err := s.controller.addresser.Subscriptions(s.target, s.service)
	if err != nil {
		s.log.Errorf("address resolution failed: %v", err)
		return
	}
	s.receivers = make([]*subReceiver, 0, len(addrs))
	for _, addr := range addrs {
		s.openReceiver(addr)
	}
}

func (s *subscriptionServer) openReceiver(addr string) {
	rcv := &subReceiver{address: addr}
	es, err := s.controller.conn.NewReceiver(context.Background(), "sub-"+addr, addr, s.credit)
	if err != nil {
		s.log.Warningf("subscription receiver open failed for %s: %v", addr, err)
		return
	}
	rcv.engine = es
	s.receivers = append(s.receivers, rcv)
	s.controller.registerSubReceiver(es, s, rcv)
}

func (s *subscriptionServer) onReceiverActive(rcv *subReceiver) {
	rcv.closed = false
	if rcv.engine != nil {
		_ = rcv.engine.AddCredit(s.credit)
	}
}

func (s *subscriptionServer) onMessage(rcv *subReceiver, handle uint64, msg *Message) {
	if s.inbound == nil {
		if rcv.engine != nil {
			_ = rcv.engine.Release(handle)
		}
		return
	}
	delivery := Delivery{
		Message: msg,
		Disposition: func(release bool) {
			s.controller.AddTask(NewDispositionTask(func() error {
				if rcv.engine == nil || rcv.closed {
					return nil
				}
				var err error
				if release {
					err = rcv.engine.Release(handle)
				} else {
					err = rcv.engine.Accept(handle)
				}
				s.topUp(rcv)
				return err
			}))
		},
	}
	s.inbound <- delivery
}

func (s *subscriptionServer) topUp(rcv *subReceiver) {
	if rcv.engine == nil {
		return
	}
	credit := uint32(rcv.engine.Credit())
	if credit <= s.credit/2 {
		_ = rcv.engine.AddCredit(s.credit - credit)
	}
}

// onReceiverClosed handles a receiver closing while the connection stays
// live: mark it closed and schedule a reopen of just that address, guarded
// by reopenSet so multiple closes in quick succession only schedule one
// deferred reopen pass.
func (s *subscriptionServer) onReceiverClosed(rcv *subReceiver) {
	rcv.closed = true
	if s.reopenSet {
		return
	}
	s.reopenSet = true
	s.controller.scheduler.Defer(s.reopenLinks, s.controller.cfg.LinkRetryDelay)
}

func (s *subscriptionServer) reopenLinks() {
	s.reopenSet = false
	for _, rcv := range s.receivers {
		if rcv.closed {
			addr := rcv.address
			es, err := s.controller.conn.NewReceiver(context.Background(), "sub-"+addr, addr, s.credit)
			if err != nil {
				s.log.Warningf("reopen failed for %s: %v", addr, err)
				continue
			}
			rcv.engine = es
			rcv.closed = false
			s.controller.registerSubReceiver(es, s, rcv)
		}
	}
}

// reset destroys every receiver without reopening; used on connection loss,
// where the Controller's reconnect sequence will re-attach from scratch.
func (s *subscriptionServer) reset() {
	for _, rcv := range s.receivers {
		if rcv.engine != nil {
			rcv.engine.Destroy()
			rcv.engine = nil
		}
		rcv.closed = true
	}
}

// detach gracefully closes every receiver; used during controlled shutdown
// and when recovering from a reply-link-down connection fault.
func (s *subscriptionServer) detach() {
	for _, rcv := range s.receivers {
		if rcv.engine != nil {
			delete(s.controller.subReceiverByEngine, rcv.engine)
			_ = rcv.engine.Close(context.Background())
			rcv.engine = nil
		}
		rcv.closed = true
	}
}
