package engine

import (
	"context"
	"sync"

	goamqp "github.com/Azure/go-amqp"

	driver "go.bryk.io/amqp10/amqp"
)

// Receiver adapts a single go-amqp *Receiver to driver.EngineReceiver. It
// owns the background "pump" goroutine that repeatedly calls the library's
// blocking Receive and forwards each message to the handler.
//
// go-amqp requires the original *goamqp.Message value to settle a
// delivery, so this adapter hands the driver an opaque uint64 handle and
// keeps the real message parked in a small table until it is settled.
type Receiver struct {
	post    func(func())
	handler driver.EngineHandler

	name, address string
	receiver      *goamqp.Receiver
	closed        bool
	credit        int32

	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]*goamqp.Message
}

// pump loops calling Receive until the link closes or errors, translating
// every inbound delivery into a MessageReceived callback. Runs entirely on
// its own background goroutine; never touches driver state directly.
func (r *Receiver) pump() {
	if r.pending == nil {
		r.pending = make(map[uint64]*goamqp.Message)
	}
	ctx := context.Background()
	for {
		gmsg, err := r.receiver.Receive(ctx, nil)
		if err != nil {
			r.post(func() {
				r.closed = true
				r.handler.ReceiverClosed(r, err)
			})
			return
		}
		handle := r.park(gmsg)
		msg := fromWireMessage(gmsg)
		r.post(func() { r.handler.MessageReceived(r, handle, msg) })
	}
}

func (r *Receiver) park(gmsg *goamqp.Message) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	id := r.nextID
	r.pending[id] = gmsg
	return id
}

func (r *Receiver) take(handle uint64) *goamqp.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg := r.pending[handle]
	delete(r.pending, handle)
	return msg
}

func fromWireMessage(gmsg *goamqp.Message) *driver.Message {
	msg := &driver.Message{}
	if len(gmsg.Data) > 0 {
		msg.Body = gmsg.Data[0]
	}
	if gmsg.Properties != nil {
		if id, ok := gmsg.Properties.MessageID.(string); ok {
			msg.ID = id
		}
		if cid, ok := gmsg.Properties.CorrelationID.(string); ok {
			msg.CorrelationID = cid
		}
		if gmsg.Properties.ReplyTo != nil {
			msg.ReplyTo = *gmsg.Properties.ReplyTo
		}
		if gmsg.Properties.Subject != nil {
			msg.Subject = *gmsg.Properties.Subject
		}
	}
	if len(gmsg.ApplicationProperties) > 0 {
		msg.ApplicationProperties = gmsg.ApplicationProperties
	}
	return msg
}

// Close implements driver.EngineReceiver.
func (r *Receiver) Close(ctx context.Context) error {
	if r.receiver == nil {
		return nil
	}
	r.closed = true
	return r.receiver.Close(ctx)
}

// Destroy implements driver.EngineReceiver.
func (r *Receiver) Destroy() {
	r.closed = true
	if r.receiver == nil {
		return
	}
	go func() { _ = r.receiver.Close(context.Background()) }()
}

// AddCredit implements driver.EngineReceiver.
func (r *Receiver) AddCredit(n uint32) error {
	if r.receiver == nil {
		return errReceiverInactive
	}
	if err := r.receiver.IssueCredit(n); err != nil {
		return err
	}
	r.credit += int32(n)
	return nil
}

// Credit implements driver.EngineReceiver.
func (r *Receiver) Credit() int {
	return int(r.credit)
}

// Accept implements driver.EngineReceiver.
func (r *Receiver) Accept(handle uint64) error {
	msg := r.take(handle)
	if msg == nil {
		return errReceiverInactive
	}
	return r.receiver.AcceptMessage(context.Background(), msg)
}

// Release implements driver.EngineReceiver.
func (r *Receiver) Release(handle uint64) error {
	msg := r.take(handle)
	if msg == nil {
		return errReceiverInactive
	}
	return r.receiver.ReleaseMessage(context.Background(), msg)
}

// Modify implements driver.EngineReceiver.
func (r *Receiver) Modify(handle uint64, deliveryFailed, undeliverableHere bool) error {
	msg := r.take(handle)
	if msg == nil {
		return errReceiverInactive
	}
	return r.receiver.ModifyMessage(context.Background(), msg, &goamqp.ModifyMessageOptions{
		DeliveryFailed:    deliveryFailed,
		UndeliverableHere: undeliverableHere,
	})
}

// SourceAddress implements driver.EngineReceiver.
func (r *Receiver) SourceAddress() string {
	return r.address
}

// Active implements driver.EngineReceiver.
func (r *Receiver) Active() bool {
	return r.receiver != nil && !r.closed
}

// Closed implements driver.EngineReceiver.
func (r *Receiver) Closed() bool {
	return r.closed
}
