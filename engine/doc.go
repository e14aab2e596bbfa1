/*
Package engine adapts github.com/Azure/go-amqp, a real AMQP 1.0 client
library, to the protocol-engine collaborator interfaces declared in
go.bryk.io/amqp10/amqp (EngineConnection, EngineSender, EngineReceiver,
EngineHandler).

go-amqp's API is blocking: attach, send, and receive calls wait on the wire.
The driver's processor goroutine must never block on network I/O, so every
call here that would block is pushed onto its own background goroutine, with
the result handed back through the `post` function supplied at construction
time (the driver's Scheduler.Post) so it always resumes on the processor
goroutine — the same shape the driver's own log/session wrapping uses
elsewhere, just one level further out.
*/
package engine
