package lib

import (
	"net/netip"
	"time"
)

func (cl *Client) heartbeatLoop() error {
	ticker := time.NewTicker(cl.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-cl.closeSignal:
			return nil
		case <-ticker.C:
			cl.sendHeartbeat()
		}
	}
}

func (cl *Client) sendHeartbeat() {
	c := cl.session
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateEstablished || c.phase != PhaseNone {
		return
	}
	if err := cl.sendControl(c, 0, MsgHeartbeat, c.nextSeq, c.ackNum, nil); err != nil {
		cl.logger.Warn().Err(err).Msg("sending heartbeat")
	}
}

// handleHeartbeat refills the peer's credit and passes the beat on to the application.
func (s *Server) handleHeartbeat(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Debug().Stringer("peer", peer).Msg("heartbeat from unknown peer, ignoring")
		return
	}
	c.mu.Lock()
	c.heartbeatCredit = s.cfg.HeartbeatCredit()
	established := c.state == StateEstablished
	c.mu.Unlock()

	if established {
		s.emitEvent(ServerEvent{Peer: peer, Type: MsgHeartbeat, Timestamp: time.Unix(int64(seg.Timestamp), 0)})
	}
}

func (s *Server) monitorHeartbeats() error {
	ticker := time.NewTicker(s.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeSignal:
			return nil
		case <-ticker.C:
			s.expireSilentPeers()
		}
	}
}

// expireSilentPeers takes one credit from every connection and discards those that ran out.
// Half-open handshakes and failed teardowns are reclaimed the same way; a peer stuck in
// LAST_ACK is reported as a plain leave.
func (s *Server) expireSilentPeers() {
	for _, c := range s.table.connections() {
		c.mu.Lock()
		if c.removed {
			c.mu.Unlock()
			continue
		}
		c.heartbeatCredit--
		if c.heartbeatCredit > 0 {
			c.mu.Unlock()
			continue
		}
		joined := c.state == StateEstablished
		leaving := c.phase == PhaseLastAck
		identity := c.identity
		s.table.remove(c)
		c.mu.Unlock()

		if !joined {
			s.logger.Warn().Stringer("peer", c.peer).Msg("no heartbeat, connection discarded")
			continue
		}
		ev := ServerEvent{
			Peer:      c.peer,
			Type:      MsgLeave,
			Timestamp: time.Now(),
			Payload:   identity,
		}
		if leaving {
			// the peer sent its FIN; only the final ACK went missing
			s.logger.Info().Stringer("peer", c.peer).Msg("final ACK never arrived, close completed")
			ev.DeclaredLength = len(identity)
		} else {
			s.logger.Warn().Stringer("peer", c.peer).Msg("no heartbeat, connection discarded")
			ev.Err = ErrHeartbeatExpired
		}
		s.emitEvent(ev)
	}
}
