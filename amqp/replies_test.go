package amqp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplyReceiverPrepareForResponseStampsMessage(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.attach()
	r.onActive()

	req := &Message{}
	var got *Message
	id := r.prepareForResponse(req, func(m *Message) { got = m })

	assert.Equal(t, id, req.ID)
	assert.Equal(t, "rpc-response", req.ReplyTo)

	r.onMessage(1, &Message{CorrelationID: id, Body: []byte("reply")})
	require.NotNil(t, got)
	assert.Equal(t, []byte("reply"), got.Body)
	assert.Contains(t, r.engine.(*fakeReceiver).accepted, uint64(1))
}

func TestReplyReceiverUnknownCorrelationIsModified(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.attach()
	r.onActive()

	r.onMessage(5, &Message{CorrelationID: "unknown"})
	assert.Contains(t, r.engine.(*fakeReceiver).modified, uint64(5))
}

func TestReplyReceiverCancelResponseIsNoopIfAbsent(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.cancelResponse("never-registered") // must not panic
}

func TestReplyReceiverCancelResponseRemovesCallback(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.attach()
	r.onActive()

	called := false
	id := r.prepareForResponse(&Message{}, func(*Message) { called = true })
	r.cancelResponse(id)

	r.onMessage(9, &Message{CorrelationID: id})
	assert.False(t, called, "a canceled callback must not fire")
	assert.Contains(t, r.engine.(*fakeReceiver).modified, uint64(9))
}

func TestReplyReceiverTopsUpCreditBelowHalf(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.attach()
	r.onActive()
	fr := r.engine.(*fakeReceiver)
	fr.credit = 99

	id := r.prepareForResponse(&Message{}, func(*Message) {})
	r.onMessage(1, &Message{CorrelationID: id})
	assert.EqualValues(t, 200, fr.credit)
}

func TestReplyReceiverDestroyFailsOutstandingCallbacksWithoutDeadlock(t *testing.T) {
	c, _ := minimalController()
	r := newReplyReceiver(c, 200)
	r.attach()
	r.onActive()
	fr := r.engine.(*fakeReceiver)

	var gotNil bool
	var id string
	id = r.prepareForResponse(&Message{}, func(m *Message) {
		gotNil = m == nil
		// Simulate a task's cleanup hook re-entering cancelResponse from
		// within the callback destroy() invokes.
		r.cancelResponse(id)
	})

	done := make(chan struct{})
	go func() {
		r.destroy()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("destroy() deadlocked: callback re-entered the lock it still held")
	}

	assert.True(t, gotNil)
	assert.False(t, r.active)
	assert.True(t, fr.destroyed)
}
