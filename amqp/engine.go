package amqp

import (
	"context"
	"time"
)

// Message is the wire-agnostic envelope exchanged with the protocol engine.
// Payload encoding to/from application dictionaries is an external
// collaborator's job; this package only ever moves the raw Body bytes.
type Message struct {
	ID                    string
	CorrelationID         string
	ReplyTo               string
	Subject               string
	ApplicationProperties map[string]interface{}
	Body                  []byte
	TTL                   time.Duration
}

// DeliveryState is the terminal outcome of a sent message, as reported by
// the peer's disposition frame.
type DeliveryState uint

const (
	StateAccepted DeliveryState = iota
	StateRejected
	StateReleased
	StateModified
)

func (s DeliveryState) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateRejected:
		return "rejected"
	case StateReleased:
		return "released"
	case StateModified:
		return "modified"
	default:
		return "unknown"
	}
}

// DeliveryCallback is invoked exactly once, on the processor goroutine,
// when a sent message reaches a terminal disposition.
type DeliveryCallback func(state DeliveryState, err error)

// EngineConnection is the protocol-engine collaborator's connection handle.
// A concrete implementation lives in the sibling "engine" package, built on
// github.com/Azure/go-amqp; this package only depends on the interface.
//
// Open/NewSender/NewReceiver are called from the processor goroutine and
// must return quickly: the actual attach handshake, which the underlying
// AMQP 1.0 client library performs synchronously, belongs on a background
// goroutine inside the implementation, with completion reported back via
// EngineHandler.ConnectionActive/SenderActive/ReceiverActive so the
// processor goroutine is never blocked on network I/O.
type EngineConnection interface {
	Open(ctx context.Context, host Host, cfg Config, handler EngineHandler) error
	Close(ctx context.Context) error
	NewSender(ctx context.Context, name, address string) (EngineSender, error)
	NewReceiver(ctx context.Context, name, address string, credit uint32) (EngineReceiver, error)
	RemoteProperties() PeerProperties
}

// EngineSender is a single outbound link handle.
type EngineSender interface {
	Close(ctx context.Context) error
	Destroy()
	Send(ctx context.Context, msg *Message, cb DeliveryCallback) error
	Credit() int
	Active() bool
}

// EngineReceiver is a single inbound link handle.
type EngineReceiver interface {
	Close(ctx context.Context) error
	Destroy()
	AddCredit(n uint32) error
	Credit() int
	Accept(handle uint64) error
	Release(handle uint64) error
	Modify(handle uint64, deliveryFailed, undeliverableHere bool) error
	SourceAddress() string
	Active() bool
	Closed() bool
}

// EngineHandler receives asynchronous protocol events. Implementations of
// EngineConnection/EngineSender/EngineReceiver must deliver every callback
// on the processor goroutine (typically by funneling their own background
// goroutines' results through Scheduler.Post) so that the
// Controller and its components never need their own locking.
type EngineHandler interface {
	ConnectionActive()
	ConnectionClosed(err error)
	ConnectionFailed(err error)
	SASLOutcome(ok bool, err error)

	SenderActive(link EngineSender)
	SenderClosed(link EngineSender, err error)
	CreditGranted(link EngineSender)

	ReceiverActive(link EngineReceiver)
	ReceiverClosed(link EngineReceiver, err error)
	MessageReceived(link EngineReceiver, handle uint64, msg *Message)
}
