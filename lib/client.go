package lib

import (
	"context"
	"net"
	"net/netip"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

// ClientEvent is what a client endpoint reports to the application.
type ClientEvent struct {
	Type           MessageType
	Payload        []byte
	DeclaredLength int
}

// Terminated reports whether the event announces that the server closed the session.
func (ev ClientEvent) Terminated() bool {
	return len(ev.Payload) == 0 && ev.DeclaredLength == 0 && (ev.Type == MsgKill || ev.Type == MsgLeave)
}

type ClientHandler func(ClientEvent)

// Client is one connection to a server.
type Client struct {
	*endpoint
	server   netip.AddrPort
	session  *Connection
	identity []byte
	handler  ClientHandler
	synAcks  chan *Segment

	onStop  func()
	stopped chan struct{}
	runErr  error
}

func newClient(cfg *config.Config, conn PacketConn, server netip.AddrPort, identity []byte, handler ClientHandler) *Client {
	cl := &Client{
		endpoint: newEndpoint(cfg, conn, RoleClient),
		server:   server,
		session:  newConnection(server, RoleClient, cfg),
		identity: identity,
		handler:  handler,
		synAcks:  make(chan *Segment, 8),
		stopped:  make(chan struct{}),
	}
	cl.dispatch = cl.route
	return cl
}

func (cl *Client) start() {
	go func() {
		cl.runErr = cl.run(context.Background(), cl.heartbeatLoop)

		cl.session.mu.Lock()
		cl.session.discard()
		cl.session.mu.Unlock()
		if cl.onStop != nil {
			cl.onStop()
		}
		close(cl.stopped)
	}()
}

// Send delivers payload to the server, blocking while the server's window is full.
func (cl *Client) Send(ctx context.Context, payload []byte, mt MessageType) error {
	return cl.send(ctx, cl.session, payload, mt)
}

// Kill asks the server to shut every connection down. The secret travels as the payload.
func (cl *Client) Kill(secret string) error {
	return cl.sendSignal(MsgKill, []byte(secret))
}

// ReportFailedKill tells the server a local kill attempt was refused.
func (cl *Client) ReportFailedKill() error {
	return cl.sendSignal(MsgFailedKill, nil)
}

func (cl *Client) sendSignal(mt MessageType, payload []byte) error {
	c := cl.session
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.state != StateEstablished {
		return ErrConnectionClosed
	}
	return cl.sendControl(c, 0, mt, c.nextSeq, c.ackNum, payload)
}

func (cl *Client) Stats() ConnectionStats {
	return cl.session.Stats()
}

func (cl *Client) LocalAddr() net.Addr {
	return cl.conn.LocalAddr()
}

// Done is closed when the client stops for any reason.
func (cl *Client) Done() <-chan struct{} {
	return cl.closeSignal
}

// Err is nil while running and after a local Close or Leave, ErrTerminated after the server closed the session.
func (cl *Client) Err() error {
	return cl.err()
}

// Close stops the client without telling the server; the server notices through missing heartbeats.
func (cl *Client) Close() error {
	cl.terminate(nil)
	return nil
}

// Wait blocks until every client goroutine has exited.
func (cl *Client) Wait() error {
	<-cl.stopped
	if cl.runErr != nil {
		return cl.runErr
	}
	return cl.err()
}

func (cl *Client) emitEvent(ev ClientEvent) {
	if cl.handler == nil {
		return
	}
	cl.emit(func() { cl.handler(ev) })
}

func (cl *Client) handleAckSegment(seg *Segment) {
	c := cl.session
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed || c.state != StateEstablished {
		return
	}
	cl.handleAck(c, seg)
}

func (cl *Client) handleDataSegment(seg *Segment) {
	c := cl.session
	c.mu.Lock()
	if c.removed || c.state != StateEstablished {
		c.mu.Unlock()
		cl.logger.Debug().Msg("data outside an established session, dropping")
		return
	}
	d := cl.handleData(c, seg)
	c.mu.Unlock()

	if d != nil {
		cl.emitEvent(ClientEvent{Type: d.mt, Payload: d.payload, DeclaredLength: d.declared})
	}
}
