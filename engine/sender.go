package engine

import (
	"context"

	goamqp "github.com/Azure/go-amqp"

	driver "go.bryk.io/amqp10/amqp"
)

// Sender adapts a single go-amqp *Sender to driver.EngineSender.
type Sender struct {
	post    func(func())
	handler driver.EngineHandler

	name, address string
	sender        *goamqp.Sender
	closed        bool
}

// Close implements driver.EngineSender.
func (s *Sender) Close(ctx context.Context) error {
	if s.sender == nil {
		return nil
	}
	s.closed = true
	return s.sender.Close(ctx)
}

// Destroy implements driver.EngineSender: best-effort, fire-and-forget
// close — used on the hard-reset path where we can't wait on the wire.
func (s *Sender) Destroy() {
	s.closed = true
	if s.sender == nil {
		return
	}
	go func() { _ = s.sender.Close(context.Background()) }()
}

// Credit implements driver.EngineSender. go-amqp manages link credit
// internally and blocks inside Send until it is available, so this adapter
// only needs to report whether the link can currently accept sends at all.
func (s *Sender) Credit() int {
	if s.Active() {
		return 1
	}
	return 0
}

// Active implements driver.EngineSender.
func (s *Sender) Active() bool {
	return s.sender != nil && !s.closed
}

// Send implements driver.EngineSender. The blocking go-amqp send runs on a
// background goroutine; cb is invoked, through post, exactly once with the
// resulting terminal disposition.
func (s *Sender) Send(ctx context.Context, msg *driver.Message, cb driver.DeliveryCallback) error {
	if !s.Active() {
		return errSenderInactive
	}
	gmsg := toWireMessage(msg)

	settled := cb == nil
	opts := &goamqp.SendOptions{Settled: settled}

	go func() {
		err := s.sender.Send(ctx, gmsg, opts)
		if cb == nil {
			return
		}
		state, sendErr := classifyDisposition(err)
		s.post(func() { cb(state, sendErr) })
	}()
	return nil
}

func toWireMessage(msg *driver.Message) *goamqp.Message {
	gmsg := &goamqp.Message{
		Data: [][]byte{msg.Body},
		Properties: &goamqp.MessageProperties{
			MessageID:     msg.ID,
			CorrelationID: msg.CorrelationID,
		},
	}
	if msg.ReplyTo != "" {
		gmsg.Properties.ReplyTo = &msg.ReplyTo
	}
	if msg.Subject != "" {
		gmsg.Properties.Subject = &msg.Subject
	}
	if len(msg.ApplicationProperties) > 0 {
		gmsg.ApplicationProperties = msg.ApplicationProperties
	}
	if msg.TTL > 0 {
		gmsg.Header = &goamqp.MessageHeader{TTL: msg.TTL}
	}
	return gmsg
}

// classifyDisposition maps a go-amqp Send error to a driver.DeliveryState.
// go-amqp's Send blocks for the unsettled case and returns a non-nil error
// for any outcome other than Accepted; the library does not expose a
// typed distinction between rejected/released/modified on this path, so
// every non-nil error is reported as a rejection, with the underlying
// error preserved as the cause for diagnostics.
func classifyDisposition(err error) (driver.DeliveryState, error) {
	if err == nil {
		return driver.StateAccepted, nil
	}
	return driver.StateRejected, err
}
