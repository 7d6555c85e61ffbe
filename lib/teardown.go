package lib

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/netip"
	"sync"
	"time"
)

// handleFin answers a peer's FIN and waits in LAST_ACK for the final ACK.
func (s *Server) handleFin(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("FIN from unknown peer, rejected")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.removed:
		return
	case c.phase == PhaseLastAck:
		// our FIN-ACK was lost
		if err := s.sendControl(c, FINACKFlag, MsgLeave, c.nextSeq-1, c.expectedPeerSeq, nil); err != nil {
			s.logger.Warn().Err(err).Stringer("peer", peer).Msg("resending FIN-ACK")
		}
		return
	case c.state != StateEstablished || c.phase != PhaseNone:
		s.logger.Warn().Stringer("peer", peer).Stringer("state", c.state).Stringer("phase", c.phase).
			Msg("FIN in unexpected state, ignoring")
		return
	}

	c.expectedPeerSeq = seg.SequenceNumber + 1
	c.ackNum = c.expectedPeerSeq
	if err := s.sendControl(c, FINACKFlag, MsgLeave, c.nextSeq, c.expectedPeerSeq, nil); err != nil {
		s.logger.Warn().Err(err).Stringer("peer", peer).Msg("sending FIN-ACK")
	}
	c.nextSeq++
	c.phase = PhaseLastAck
	s.logger.Debug().Stringer("peer", peer).Msg("FIN received, waiting for final ACK")
}

// handleTeardownAck completes a peer-initiated close. A mismatched ACK leaves the record in
// LAST_ACK for the heartbeat monitor and is reported upward.
func (s *Server) handleTeardownAck(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Debug().Stringer("peer", peer).Msg("final ACK for a removed peer, nothing to do")
		return
	}

	c.mu.Lock()
	if phase := c.phase; phase != PhaseLastAck {
		c.mu.Unlock()
		s.logger.Warn().Stringer("peer", peer).Stringer("phase", phase).Msg("final ACK outside LAST_ACK, ignoring")
		return
	}
	identity := c.identity
	if want := c.nextSeq; seg.AcknowledgmentNum != want {
		c.mu.Unlock()
		err := fmt.Errorf("%w: got %d, want %d", ErrTeardownAckMismatch, seg.AcknowledgmentNum, want)
		s.logger.Warn().Err(err).Stringer("peer", peer).Msg("close failed, connection kept")
		s.emitEvent(ServerEvent{Peer: peer, Type: MsgLeave, Timestamp: time.Unix(int64(seg.Timestamp), 0), Payload: identity, Err: err})
		return
	}
	s.table.remove(c)
	c.mu.Unlock()

	s.logger.Info().Stringer("peer", peer).Str("identity", string(identity)).Msg("peer left")
	s.emitEvent(ServerEvent{
		Peer:           peer,
		Type:           MsgLeave,
		Timestamp:      time.Unix(int64(seg.Timestamp), 0),
		Payload:        identity,
		DeclaredLength: len(identity),
	})
}

// handleKill verifies the secret carried by a kill request and, if it matches, shuts every peer down.
func (s *Server) handleKill(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("kill from unknown peer, rejected")
		return
	}
	c.mu.Lock()
	established := c.state == StateEstablished
	c.mu.Unlock()
	if !established {
		s.logger.Warn().Stringer("peer", peer).Msg("kill before the handshake completed, rejected")
		return
	}

	ts := time.Unix(int64(seg.Timestamp), 0)
	if secret := s.cfg.KillSecret; secret != "" && subtle.ConstantTimeCompare(seg.Payload, []byte(secret)) != 1 {
		s.logger.Warn().Stringer("peer", peer).Msg("kill attempt with wrong secret")
		s.emitEvent(ServerEvent{Peer: peer, Type: MsgFailedKill, Timestamp: ts, Err: ErrKillUnauthorized})
		return
	}

	s.logger.Warn().Stringer("peer", peer).Msg("kill authorized, shutting down")
	s.emitEvent(ServerEvent{Peer: peer, Type: MsgKill, Timestamp: ts})
	s.startKill()
}

// killCollector tracks which peers still owe a FIN-ACK for the kill FIN.
type killCollector struct {
	mu      sync.Mutex
	waiting map[netip.AddrPort]struct{}
	armed   bool
	done    chan struct{}
	once    sync.Once
}

func newKillCollector() *killCollector {
	return &killCollector{
		waiting: make(map[netip.AddrPort]struct{}),
		done:    make(chan struct{}),
	}
}

func (k *killCollector) expect(peer netip.AddrPort) {
	k.mu.Lock()
	k.waiting[peer] = struct{}{}
	k.mu.Unlock()
}

func (k *killCollector) ack(peer netip.AddrPort) {
	k.mu.Lock()
	delete(k.waiting, peer)
	k.check()
	k.mu.Unlock()
}

// arm is called once every FIN is out; from then on an empty wait set completes the kill.
func (k *killCollector) arm() {
	k.mu.Lock()
	k.armed = true
	k.check()
	k.mu.Unlock()
}

func (k *killCollector) check() {
	if k.armed && len(k.waiting) == 0 {
		k.once.Do(func() { close(k.done) })
	}
}

func (k *killCollector) pending() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.waiting)
}

func (s *Server) startKill() {
	s.killMu.Lock()
	if s.kill != nil {
		s.killMu.Unlock()
		return
	}
	k := newKillCollector()
	s.kill = k
	s.killMu.Unlock()

	for _, c := range s.table.connections() {
		c.mu.Lock()
		if !c.removed && c.state == StateEstablished {
			c.phase = PhaseFinWait1
			k.expect(c.peer)
			if err := s.sendControl(c, FINFlag, MsgKill, c.nextSeq, c.ackNum, nil); err != nil {
				s.logger.Warn().Err(err).Stringer("peer", c.peer).Msg("sending kill FIN")
				k.ack(c.peer)
			}
			c.nextSeq++
		}
		c.mu.Unlock()
	}
	k.arm()

	s.spawn(func() error {
		s.finishKill(k)
		return nil
	})
}

// finishKill waits for the FIN-ACKs, up to kill_linger, then acknowledges everyone and stops the server.
func (s *Server) finishKill(k *killCollector) {
	timer := time.NewTimer(s.cfg.KillLinger)
	defer timer.Stop()
	select {
	case <-k.done:
	case <-timer.C:
		s.logger.Warn().Int("missing", k.pending()).Msg("kill linger elapsed before every peer answered")
	case <-s.closeSignal:
		return
	}

	for _, c := range s.table.connections() {
		c.mu.Lock()
		if err := s.sendControl(c, ACKFlag, MsgKill, c.nextSeq, c.ackNum, nil); err != nil {
			s.logger.Warn().Err(err).Stringer("peer", c.peer).Msg("sending kill ACK")
		}
		s.table.remove(c)
		c.mu.Unlock()
	}
	s.logger.Info().Msg("terminated by kill")
	s.terminate(ErrTerminated)
}

func (s *Server) handleKillFinAck(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Debug().Stringer("peer", peer).Msg("FIN-ACK from unknown peer, ignoring")
		return
	}
	c.mu.Lock()
	if c.phase != PhaseFinWait1 {
		c.mu.Unlock()
		s.logger.Debug().Stringer("peer", peer).Msg("FIN-ACK without a pending FIN, ignoring")
		return
	}
	c.ackNum = seg.SequenceNumber + 1
	c.phase = PhaseTimeWait
	c.mu.Unlock()

	s.killMu.Lock()
	k := s.kill
	s.killMu.Unlock()
	if k != nil {
		k.ack(peer)
	}
}

// Leave closes the connection from the client side: FIN, wait for FIN-ACK, final ACK.
// It returns once the client has torn itself down.
func (cl *Client) Leave(ctx context.Context) error {
	c := cl.session
	c.mu.Lock()
	if c.state != StateEstablished || c.phase != PhaseNone {
		state, phase := c.state, c.phase
		c.mu.Unlock()
		return fmt.Errorf("%w: cannot leave in %s/%s", ErrConnectionClosed, state, phase)
	}
	c.phase = PhaseFinWait1
	err := cl.sendControl(c, FINFlag, MsgLeave, c.nextSeq, c.ackNum, nil)
	c.nextSeq++
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sending FIN: %w", err)
	}

	timer := time.NewTimer(cl.cfg.HandshakeTimeout)
	defer timer.Stop()
	select {
	case <-cl.closeSignal:
		return cl.err()
	case <-timer.C:
		return &TimeoutError{msg: fmt.Sprintf("no FIN-ACK from %s after %s", cl.server, cl.cfg.HandshakeTimeout)}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// handleFinAck sends the final ACK and tears the client down without waiting for anything else.
func (cl *Client) handleFinAck(seg *Segment) {
	c := cl.session
	c.mu.Lock()
	if c.phase != PhaseFinWait1 {
		c.mu.Unlock()
		cl.logger.Debug().Msg("FIN-ACK without a pending FIN, ignoring")
		return
	}
	c.ackNum = seg.SequenceNumber + 1
	err := cl.sendControl(c, ACKFlag, MsgLeave, c.nextSeq, c.ackNum, nil)
	c.phase = PhaseTimeWait
	c.discard()
	c.mu.Unlock()

	if err != nil {
		cl.logger.Warn().Err(err).Msg("sending final ACK")
	}
	cl.logger.Info().Stringer("server", cl.server).Msg("left")
	cl.terminate(nil)
}

// handleFin reacts to a server-initiated close, normally a kill: answer FIN-ACK, report, stop.
func (cl *Client) handleFin(seg *Segment) {
	c := cl.session
	c.mu.Lock()
	if c.removed {
		c.mu.Unlock()
		return
	}
	c.phase = PhaseLastAck
	c.expectedPeerSeq = seg.SequenceNumber + 1
	c.ackNum = c.expectedPeerSeq
	err := cl.sendControl(c, FINACKFlag, seg.MessageType, c.nextSeq, c.expectedPeerSeq, nil)
	c.nextSeq++
	c.discard()
	c.mu.Unlock()

	if err != nil {
		cl.logger.Warn().Err(err).Msg("sending FIN-ACK")
	}
	cl.logger.Warn().Stringer("server", cl.server).Stringer("type", seg.MessageType).Msg("connection closed by server")
	cl.emitEvent(ClientEvent{Type: seg.MessageType})
	cl.terminate(ErrTerminated)
}

// handleKillAck covers a kill FIN that never reached us.
func (cl *Client) handleKillAck(seg *Segment) {
	c := cl.session
	c.mu.Lock()
	wasOpen := !c.removed
	c.discard()
	c.mu.Unlock()

	if wasOpen {
		cl.logger.Warn().Stringer("server", cl.server).Msg("server acknowledged a kill")
		cl.emitEvent(ClientEvent{Type: seg.MessageType})
	}
	cl.terminate(ErrTerminated)
}
