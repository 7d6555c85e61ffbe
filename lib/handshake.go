package lib

import (
	"context"
	"fmt"
	"net/netip"
	"time"
)

// handleSyn answers a SYN from a new peer. The connection is published fully initialized
// in SYN_RECEIVED and stays there until the final ACK commits or discards it.
func (s *Server) handleSyn(peer netip.AddrPort, seg *Segment) {
	if _, ok := s.table.get(peer); ok {
		s.logger.Debug().Err(ErrAlreadyConnected).Stringer("peer", peer).Msg("SYN ignored")
		return
	}
	y, err := s.isn()
	if err != nil {
		s.logger.Error().Err(err).Msg("generating initial sequence number")
		return
	}

	c := newConnection(peer, RoleServer, s.cfg)
	c.state = StateSynReceived
	c.isn = y
	c.sendBase, c.nextSeq = y+1, y+1
	c.ackNum = seg.SequenceNumber + 1
	c.identity = seg.Payload

	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := s.table.insert(c); !ok {
		return
	}
	if err := s.sendControl(c, SYNACKFlag, MsgJoin, y, c.ackNum, nil); err != nil {
		s.logger.Warn().Err(err).Stringer("peer", peer).Msg("sending SYN-ACK")
		s.table.remove(c)
		return
	}
	s.logger.Debug().Stringer("peer", peer).Uint64("isn", y).Msg("SYN received, SYN-ACK sent")
}

// handleHandshakeAck commits the handshake when the ACK acknowledges our ISN and rolls it back otherwise.
func (s *Server) handleHandshakeAck(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("handshake ACK from unknown peer, rejected")
		return
	}

	c.mu.Lock()
	if state := c.state; state != StateSynReceived {
		c.mu.Unlock()
		s.logger.Debug().Stringer("peer", peer).Stringer("state", state).Msg("stray handshake ACK, ignoring")
		return
	}
	if want := c.isn + 1; seg.AcknowledgmentNum != want {
		s.table.remove(c)
		c.mu.Unlock()
		s.logger.Warn().Err(ErrHandshakeRejected).Stringer("peer", peer).
			Uint64("ack", seg.AcknowledgmentNum).Uint64("want", want).Msg("handshake rolled back")
		return
	}
	c.state = StateEstablished
	c.remoteWindow = int(seg.WindowSize)
	c.heartbeatCredit = s.cfg.HeartbeatCredit()
	if len(seg.Payload) > 0 {
		c.identity = seg.Payload
	}
	identity := c.identity
	c.mu.Unlock()

	s.logger.Info().Stringer("peer", peer).Str("identity", string(identity)).Msg("peer joined")
	s.emitEvent(ServerEvent{
		Peer:           peer,
		Type:           MsgJoin,
		Timestamp:      time.Unix(int64(seg.Timestamp), 0),
		Payload:        identity,
		DeclaredLength: len(identity),
	})
}

// connect runs the client half of the handshake. A lost SYN is not retried; the wait simply times out.
func (cl *Client) connect(ctx context.Context) error {
	x, err := cl.isn()
	if err != nil {
		return fmt.Errorf("generating initial sequence number: %w", err)
	}

	c := cl.session
	c.mu.Lock()
	c.state = StateSynSent
	c.isn = x
	c.sendBase, c.nextSeq = x, x
	err = cl.sendControl(c, SYNFlag, MsgJoin, x, 0, cl.identity)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("sending SYN: %w", err)
	}

	timer := time.NewTimer(cl.cfg.HandshakeTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-cl.closeSignal:
			return ErrConnectionClosed
		case <-timer.C:
			return &TimeoutError{msg: fmt.Sprintf("handshake with %s timed out after %s", cl.server, cl.cfg.HandshakeTimeout)}
		case seg := <-cl.synAcks:
			if seg.Flags != SYNACKFlag || seg.AcknowledgmentNum != x+1 {
				cl.logger.Debug().Stringer("segment", seg).Msg("unexpected handshake reply, discarding")
				continue
			}
			y := seg.SequenceNumber

			c.mu.Lock()
			c.sendBase, c.nextSeq = x+1, x+1
			c.ackNum = y + 1
			c.remoteWindow = int(seg.WindowSize)
			c.state = StateEstablished
			err := cl.sendControl(c, ACKFlag, MsgJoin, x+1, y+1, cl.identity)
			c.mu.Unlock()
			if err != nil {
				return fmt.Errorf("sending handshake ACK: %w", err)
			}
			cl.logger.Info().Stringer("server", cl.server).Msg("connected")
			return nil
		}
	}
}
