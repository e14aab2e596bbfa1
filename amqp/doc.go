/*
Package amqp implements a client-side messaging driver for AMQP 1.0
transports.

Application goroutines interact with a Controller through a small set of
Task values (SubscribeTask, SendTask, RPCCallTask, DispositionTask) submitted
via AddTask. All protocol, link, and socket work happens on a single
dedicated goroutine (the processor); application goroutines only ever touch
the TaskQueue and a Task's completion latch.

The Controller depends on two collaborator seams instead of talking to the
wire directly: a protocol engine (interfaces in engine.go, a concrete
implementation lives in the sibling "engine" package built on top of
github.com/Azure/go-amqp) and an Addresser (addresser.go) responsible for
turning a logical Target into one or more wire addresses.
*/
package amqp
