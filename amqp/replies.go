package amqp

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.bryk.io/amqp10/log"
)

// replyReceiver is the single receiver link used for every RPC response.
// Exactly one exists per active connection; it is torn down and recreated
// across reconnects.
type replyReceiver struct {
	controller *Controller
	log        log.Logger

	capacity uint32
	engine   EngineReceiver
	active   bool

	mu        sync.Mutex
	callbacks map[string]func(*Message)
}

func newReplyReceiver(c *Controller, capacity uint32) *replyReceiver {
	return &replyReceiver{
		controller: c,
		log:        c.log.Sub(log.Fields{"component": "reply-receiver"}),
		capacity:   capacity,
		callbacks:  make(map[string]func(*Message)),
	}
}

// attach opens the receiver link against the currently active connection.
func (r *replyReceiver) attach() {
	es, err := r.controller.conn.NewReceiver(context.Background(), "rpc-response", "rpc-response", r.capacity)
	if err != nil {
		r.log.Warningf("reply receiver open failed: %v", err)
		return
	}
	r.engine = es
}

// onActive marks the link ready and grants its full credit window.
func (r *replyReceiver) onActive() {
	r.active = true
	if r.engine != nil {
		_ = r.engine.AddCredit(r.capacity)
	}
	if r.controller.onRepliesReady != nil {
		r.controller.onRepliesReady()
	}
}

// prepareForResponse reserves a correlation id for req, wiring cb to be
// invoked exactly once when a response carrying that id arrives. It
// stamps req.ID and req.ReplyTo and returns the assigned id.
func (r *replyReceiver) prepareForResponse(req *Message, cb func(*Message)) string {
	id := uuid.NewString()
	req.ID = id
	req.ReplyTo = "rpc-response"

	r.mu.Lock()
	r.callbacks[id] = cb
	r.mu.Unlock()
	return id
}

// cancelResponse removes a pending callback; a no-op if absent.
func (r *replyReceiver) cancelResponse(id string) {
	r.mu.Lock()
	delete(r.callbacks, id)
	r.mu.Unlock()
}

// onMessage handles an inbound reply. Messages with no matching
// correlation id are logged and settled as modified, with
// undeliverable-here set.
func (r *replyReceiver) onMessage(handle uint64, msg *Message) {
	r.mu.Lock()
	cb, ok := r.callbacks[msg.CorrelationID]
	if ok {
		delete(r.callbacks, msg.CorrelationID)
	}
	r.mu.Unlock()

	if !ok {
		r.log.Warningf("reply with unknown correlation id %q discarded", msg.CorrelationID)
		if r.engine != nil {
			_ = r.engine.Modify(handle, false, true)
		}
	} else {
		if r.engine != nil {
			_ = r.engine.Accept(handle)
		}
		cb(msg)
	}
	r.topUp()
}

func (r *replyReceiver) topUp() {
	if r.engine == nil {
		return
	}
	if uint32(r.engine.Credit()) <= r.capacity/2 {
		_ = r.engine.AddCredit(r.capacity - uint32(r.engine.Credit()))
	}
}

// onDown marks the link unusable; the Controller treats this as a
// recoverable connection fault and tears the whole connection down.
func (r *replyReceiver) onDown(err error) {
	r.active = false
	r.log.Warningf("reply receiver down: %v", err)
}

func (r *replyReceiver) destroy() {
	r.active = false
	if r.engine != nil {
		r.engine.Destroy()
		r.engine = nil
	}
	// Callbacks run outside the lock: they may re-enter cancelResponse (via
	// a task's cleanup hook), which would deadlock on a non-reentrant mutex.
	r.mu.Lock()
	pending := r.callbacks
	r.callbacks = make(map[string]func(*Message))
	r.mu.Unlock()
	for _, cb := range pending {
		cb(nil)
	}
}
