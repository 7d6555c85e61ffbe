package lib

import (
	"net/netip"
	"sync"
	"time"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

// fragment is one received payload waiting in the reassembly buffer.
type fragment struct {
	seq       uint64
	mt        MessageType
	timestamp uint64
	payload   []byte
	declared  uint16
}

// Connection is the state kept for one remote peer. All fields are guarded by mu.
// A Connection is only published in a table once it is fully initialized; after
// removal it is marked removed and must not be used to send.
type Connection struct {
	mu         sync.Mutex
	windowCond *sync.Cond // signalled on every ACK and on removal
	sendMu     sync.Mutex // one outbound message at a time

	peer  netip.AddrPort
	role  Role
	state ConnState
	phase TerminationPhase

	isn             uint64 // local initial sequence number
	ackNum          uint64 // next byte expected from the peer
	sendBase        uint64 // oldest unacknowledged byte
	nextSeq         uint64 // next byte to send
	expectedPeerSeq uint64 // recorded when the peer's FIN arrives
	recvWindow      int    // receive credit we advertise
	remoteWindow    int    // send credit the peer advertised

	unacked     *unackedSegments
	recvBuf     []fragment
	msgReceived int // bytes of the current inbound message seen so far, across flushes

	heartbeatCredit int
	identity        []byte
	removed         bool
	createdAt       time.Time
}

func newConnection(peer netip.AddrPort, role Role, cfg *config.Config) *Connection {
	c := &Connection{
		peer:            peer,
		role:            role,
		recvWindow:      cfg.WindowCapacity,
		unacked:         newUnackedSegments(),
		heartbeatCredit: cfg.HeartbeatCredit(),
		createdAt:       time.Now(),
	}
	c.windowCond = sync.NewCond(&c.mu)
	return c
}

func (c *Connection) Peer() netip.AddrPort {
	return c.peer
}

// inFlight is the number of bytes sent but not yet acknowledged.
func (c *Connection) inFlight() int {
	return int(c.nextSeq - c.sendBase)
}

// admits reports whether a chunk of n bytes fits in the peer's advertised window.
func (c *Connection) admits(n int) bool {
	return c.inFlight()+n <= c.remoteWindow
}

// advertisedWindow clamps the receive credit to the 16-bit header field.
func (c *Connection) advertisedWindow() uint16 {
	switch {
	case c.recvWindow < 0:
		return 0
	case c.recvWindow > 0xFFFF:
		return 0xFFFF
	}
	return uint16(c.recvWindow)
}

// onAck applies a cumulative acknowledgment. The advertised window always replaces the old one.
// Caller holds c.mu.
func (c *Connection) onAck(ack uint64, window uint16) uint64 {
	freed := c.unacked.ackThrough(ack)
	if ack > c.sendBase {
		c.sendBase = ack
	}
	c.remoteWindow = int(window)
	c.windowCond.Broadcast()
	return freed
}

// discard marks the connection dead and frees everything it holds. Caller holds c.mu.
func (c *Connection) discard() {
	c.removed = true
	c.state = StateClosed
	c.unacked.releaseAll()
	c.recvBuf = nil
	c.msgReceived = 0
	c.windowCond.Broadcast()
}

// ConnectionStats is a point-in-time copy of a connection's counters.
type ConnectionStats struct {
	Peer         netip.AddrPort
	Role         Role
	State        ConnState
	Phase        TerminationPhase
	SendBase     uint64
	NextSeq      uint64
	AckNum       uint64
	RecvWindow   int
	RemoteWindow int
	InFlight     int
	Unacked      int
	UnackedAge   time.Duration // how long the oldest in-flight segment has waited
	Buffered     int
	Identity     string
	Age          time.Duration
}

func (c *Connection) Stats() ConnectionStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	buffered := 0
	for _, f := range c.recvBuf {
		buffered += len(f.payload)
	}
	var unackedAge time.Duration
	if oldest := c.unacked.oldest(); !oldest.IsZero() {
		unackedAge = time.Since(oldest)
	}
	return ConnectionStats{
		Peer:         c.peer,
		Role:         c.role,
		State:        c.state,
		Phase:        c.phase,
		SendBase:     c.sendBase,
		NextSeq:      c.nextSeq,
		AckNum:       c.ackNum,
		RecvWindow:   c.recvWindow,
		RemoteWindow: c.remoteWindow,
		InFlight:     c.inFlight(),
		Unacked:      c.unacked.len(),
		UnackedAge:   unackedAge,
		Buffered:     buffered,
		Identity:     string(c.identity),
		Age:          time.Since(c.createdAt),
	}
}
