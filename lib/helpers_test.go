package lib

import (
	"context"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

const waitFor = 2 * time.Second

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.HandshakeTimeout = 500 * time.Millisecond
	cfg.SendTimeout = 2 * time.Second
	cfg.HeartbeatInterval = 50 * time.Millisecond
	cfg.HeartbeatTimeout = 10 * time.Second
	cfg.HeartbeatTick = 100 * time.Millisecond
	cfg.KillLinger = 500 * time.Millisecond
	cfg.WorkerCount = 4
	return cfg
}

type datagram struct {
	from netip.AddrPort
	data []byte
}

// memNet is an in-memory datagram network. Delivery is asynchronous and lossy when a queue is full.
type memNet struct {
	mu    sync.Mutex
	conns map[netip.AddrPort]*memConn
	drop  func(from, to netip.AddrPort, data []byte) bool
}

func newMemNet() *memNet {
	return &memNet{conns: make(map[netip.AddrPort]*memConn)}
}

func (n *memNet) listen(t *testing.T, addr string) *memConn {
	t.Helper()
	ap := netip.MustParseAddrPort(addr)
	c := &memConn{net: n, addr: ap, in: make(chan datagram, 1024), closed: make(chan struct{})}
	n.mu.Lock()
	n.conns[ap] = c
	n.mu.Unlock()
	t.Cleanup(func() { c.Close() })
	return c
}

type memConn struct {
	net    *memNet
	addr   netip.AddrPort
	in     chan datagram
	closed chan struct{}
	once   sync.Once
}

func (c *memConn) ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error) {
	select {
	case d := <-c.in:
		return copy(b, d.data), d.from, nil
	case <-c.closed:
		return 0, netip.AddrPort{}, net.ErrClosed
	}
}

func (c *memConn) WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.net.mu.Lock()
	dst := c.net.conns[addr]
	drop := c.net.drop
	c.net.mu.Unlock()

	data := append([]byte(nil), b...)
	if dst == nil || (drop != nil && drop(c.addr, addr, data)) {
		return len(b), nil
	}
	select {
	case dst.in <- datagram{from: c.addr, data: data}:
	default:
	}
	return len(b), nil
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.net.mu.Lock()
		if c.net.conns[c.addr] == c {
			delete(c.net.conns, c.addr)
		}
		c.net.mu.Unlock()
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr {
	return net.UDPAddrFromAddrPort(c.addr)
}

// writeSegment lets a test act as a hand-driven peer.
func (c *memConn) writeSegment(t *testing.T, to netip.AddrPort, seg *Segment) {
	t.Helper()
	seg.SourcePort = c.addr.Port()
	seg.DestinationPort = to.Port()
	data, err := seg.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if _, err := c.WriteToUDPAddrPort(data, to); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func (c *memConn) readSegment(t *testing.T) *Segment {
	t.Helper()
	select {
	case d := <-c.in:
		seg, err := DecodeSegment(d.data)
		if err != nil {
			t.Fatalf("decode: %v", err)
		}
		return seg
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a segment")
	}
	return nil
}

// expectSegment skips heartbeats and returns the first segment with the given flags.
func (c *memConn) expectSegment(t *testing.T, flags uint8) *Segment {
	t.Helper()
	for {
		seg := c.readSegment(t)
		if seg.MessageType == MsgHeartbeat && seg.Flags == 0 {
			continue
		}
		if seg.Flags != flags {
			t.Fatalf("got %v, want flags %#02x", seg, flags)
		}
		return seg
	}
}

func (c *memConn) expectSilence(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case dg := <-c.in:
		seg, _ := DecodeSegment(dg.data)
		t.Fatalf("unexpected segment %v", seg)
	case <-time.After(d):
	}
}

func control(flags uint8, mt MessageType, seq, ack uint64, payload []byte) *Segment {
	seg := newSegment(flags, mt)
	seg.SequenceNumber = seq
	seg.AcknowledgmentNum = ack
	seg.WindowSize = 520
	seg.PayloadLength = uint16(len(payload))
	seg.Payload = payload
	return seg
}

type serverEvents struct {
	ch chan ServerEvent
}

func newServerEvents() (*serverEvents, ServerHandler) {
	ev := &serverEvents{ch: make(chan ServerEvent, 256)}
	return ev, func(e ServerEvent) { ev.ch <- e }
}

// next returns the next event of type mt, skipping heartbeats.
func (ev *serverEvents) next(t *testing.T, mt MessageType) ServerEvent {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case e := <-ev.ch:
			if e.Type == MsgHeartbeat && mt != MsgHeartbeat {
				continue
			}
			if e.Type != mt {
				t.Fatalf("got %s event %+v, want %s", e.Type, e, mt)
			}
			return e
		case <-deadline:
			t.Fatalf("timed out waiting for a %s event", mt)
		}
	}
}

func (ev *serverEvents) none(t *testing.T, d time.Duration) {
	t.Helper()
	deadline := time.After(d)
	for {
		select {
		case e := <-ev.ch:
			if e.Type == MsgHeartbeat {
				continue
			}
			t.Fatalf("unexpected %s event %+v", e.Type, e)
		case <-deadline:
			return
		}
	}
}

type clientEvents struct {
	ch chan ClientEvent
}

func newClientEvents() (*clientEvents, ClientHandler) {
	ev := &clientEvents{ch: make(chan ClientEvent, 256)}
	return ev, func(e ClientEvent) { ev.ch <- e }
}

func (ev *clientEvents) next(t *testing.T) ClientEvent {
	t.Helper()
	select {
	case e := <-ev.ch:
		return e
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for a client event")
	}
	return ClientEvent{}
}

// startServer runs s in the background and stops it when the test ends.
func startServer(t *testing.T, s *Server) <-chan error {
	t.Helper()
	ctx := contextForTest(t)
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx) }()
	t.Cleanup(func() {
		s.Close()
		<-s.Done()
	})
	return done
}

// handshake drives the client side of a handshake by hand from raw and returns the server's ISN.
func handshake(t *testing.T, raw *memConn, server netip.AddrPort, isn uint64, identity string) uint64 {
	t.Helper()
	raw.writeSegment(t, server, control(SYNFlag, MsgJoin, isn, 0, []byte(identity)))
	synAck := raw.expectSegment(t, SYNACKFlag)
	if synAck.AcknowledgmentNum != isn+1 {
		t.Fatalf("SYN-ACK ack = %d, want %d", synAck.AcknowledgmentNum, isn+1)
	}
	raw.writeSegment(t, server, control(ACKFlag, MsgJoin, isn+1, synAck.SequenceNumber+1, []byte(identity)))
	return synAck.SequenceNumber
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitFor)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fixedISN(v uint64) func() (uint64, error) {
	return func() (uint64, error) { return v, nil }
}

func contextForTest(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
