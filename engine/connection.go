package engine

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"

	goamqp "github.com/Azure/go-amqp"
	"github.com/google/uuid"

	driver "go.bryk.io/amqp10/amqp"
)

// Connection adapts a single go-amqp *Conn/*Session pair to
// driver.EngineConnection.
type Connection struct {
	post    func(func())
	handler driver.EngineHandler

	conn    *goamqp.Conn
	session *goamqp.Session
	peer    driver.PeerProperties
}

// NewConnection returns an unopened Connection. post must deliver its
// argument on the driver's processor goroutine (pass the Controller's
// scheduler.Post).
func NewConnection(post func(func())) *Connection {
	return &Connection{post: post}
}

// Open implements driver.EngineConnection. The actual dial and session
// creation run on a background goroutine; completion is reported through
// handler, routed via post.
func (c *Connection) Open(ctx context.Context, host driver.Host, cfg driver.Config, handler driver.EngineHandler) error {
	c.handler = handler
	go func() {
		opts := &goamqp.ConnOptions{
			IdleTimeout: cfg.IdleTimeout,
			ContainerID: containerName(cfg),
			Properties: map[string]any{
				"product": "amqp10-driver",
				"pid":     os.Getpid(),
			},
		}
		if cfg.Username != "" {
			opts.SASLType = goamqp.SASLTypePlain(host.Username, host.Password)
		} else {
			opts.SASLType = goamqp.SASLTypeAnonymous()
		}
		if cfg.SSLCertFile != "" || cfg.SSLCAFile != "" {
			opts.TLSConfig = &tls.Config{InsecureSkipVerify: cfg.AllowInsecure} //nolint:gosec
		}

		scheme := "amqp"
		if opts.TLSConfig != nil {
			scheme = "amqps"
		}
		addr := fmt.Sprintf("%s://%s:%d", scheme, host.Hostname, host.Port)

		conn, err := goamqp.Dial(ctx, addr, opts)
		if err != nil {
			c.post(func() { handler.ConnectionFailed(err) })
			return
		}
		session, err := conn.NewSession(ctx, nil)
		if err != nil {
			_ = conn.Close()
			c.post(func() { handler.ConnectionFailed(err) })
			return
		}

		c.post(func() {
			c.conn = conn
			c.session = session
			// The peer's open properties are not inspected: every peer is
			// reported as supporting the routable address scheme.
			c.peer = driver.PeerProperties{ProductVersionIsRoutable: true}
			handler.SASLOutcome(true, nil)
			handler.ConnectionActive()
		})

		go c.watch(conn, handler)
	}()
	return nil
}

// watch blocks on the underlying connection's lifetime and reports closure.
func (c *Connection) watch(conn *goamqp.Conn, handler driver.EngineHandler) {
	<-conn.Done()
	err := conn.Err()
	c.post(func() { handler.ConnectionClosed(err) })
}

func containerName(cfg driver.Config) string {
	if cfg.ContainerName != "" {
		return cfg.ContainerName
	}
	return uuid.NewString()
}

// Close implements driver.EngineConnection.
func (c *Connection) Close(_ context.Context) error {
	if c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// NewSender implements driver.EngineConnection. The attach handshake runs
// on a background goroutine; SenderActive/SenderClosed are reported through
// the handler captured at Open time.
func (c *Connection) NewSender(ctx context.Context, name, address string) (driver.EngineSender, error) {
	s := &Sender{post: c.post, handler: c.handler, name: name, address: address}
	go func() {
		gs, err := c.session.NewSender(ctx, address, &goamqp.SenderOptions{Name: name})
		if err != nil {
			c.post(func() { c.handler.SenderClosed(s, err) })
			return
		}
		c.post(func() {
			s.sender = gs
			c.handler.SenderActive(s)
		})
		go s.watch(gs)
	}()
	return s, nil
}

// NewReceiver implements driver.EngineConnection. The attach handshake and
// the subsequent receive pump both run on background goroutines.
func (c *Connection) NewReceiver(ctx context.Context, name, address string, credit uint32) (driver.EngineReceiver, error) {
	r := &Receiver{post: c.post, handler: c.handler, name: name, address: address}
	go func() {
		settleMode := goamqp.ReceiverSettleModeFirst
		sndSettleMode := goamqp.SenderSettleModeMixed
		opts := &goamqp.ReceiverOptions{Name: name, Credit: int32(credit), SettlementMode: &settleMode, RequestedSenderSettleMode: &sndSettleMode}
		gr, err := c.session.NewReceiver(ctx, address, opts)
		if err != nil {
			c.post(func() { c.handler.ReceiverClosed(r, err) })
			return
		}
		c.post(func() {
			r.receiver = gr
			c.handler.ReceiverActive(r)
		})
		r.pump()
	}()
	return r, nil
}

// RemoteProperties implements driver.EngineConnection.
func (c *Connection) RemoteProperties() driver.PeerProperties {
	return c.peer
}
