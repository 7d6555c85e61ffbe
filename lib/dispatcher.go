package lib

import (
	"net/netip"
)

// route names the handler an inbound segment is dispatched to.
type route uint8

const (
	routeDrop route = iota
	routeSyn
	routeSynAck
	routeHandshakeAck
	routeData
	routeAck
	routeFin
	routeFinAck
	routeTeardownAck
	routeHeartbeat
	routeKill
	routeKillAck
	routeFailedKill
)

var routeNames = [...]string{"drop", "syn", "syn-ack", "handshake-ack", "data", "ack", "fin", "fin-ack",
	"teardown-ack", "heartbeat", "kill", "kill-ack", "failed-kill"}

func (r route) String() string {
	if int(r) < len(routeNames) {
		return routeNames[r]
	}
	return "route(?)"
}

func isStreamType(mt MessageType) bool {
	return mt == MsgData || mt == MsgCommand || mt == MsgOther
}

// classify maps (flags, message type) to exactly one handler for the given side.
func classify(role Role, flags uint8, mt MessageType) route {
	if role == RoleServer {
		switch flags {
		case SYNFlag:
			if mt == MsgJoin {
				return routeSyn
			}
		case FINACKFlag:
			return routeFinAck
		case FINFlag:
			if mt == MsgLeave {
				return routeFin
			}
		case ACKFlag:
			switch {
			case isStreamType(mt):
				return routeAck
			case mt == MsgJoin:
				return routeHandshakeAck
			case mt == MsgLeave:
				return routeTeardownAck
			}
		case 0:
			switch {
			case isStreamType(mt):
				return routeData
			case mt == MsgHeartbeat:
				return routeHeartbeat
			case mt == MsgKill:
				return routeKill
			case mt == MsgFailedKill:
				return routeFailedKill
			}
		}
		return routeDrop
	}

	switch flags {
	case SYNACKFlag:
		return routeSynAck
	case FINACKFlag:
		return routeFinAck
	case FINFlag:
		return routeFin
	case ACKFlag:
		switch {
		case isStreamType(mt):
			return routeAck
		case mt == MsgKill:
			return routeKillAck
		}
	case 0:
		if isStreamType(mt) {
			return routeData
		}
	}
	return routeDrop
}

func (s *Server) route(peer netip.AddrPort, seg *Segment, r route) {
	switch r {
	case routeSyn:
		s.handleSyn(peer, seg)
	case routeHandshakeAck:
		s.handleHandshakeAck(peer, seg)
	case routeData:
		s.handleDataSegment(peer, seg)
	case routeAck:
		s.handleAckSegment(peer, seg)
	case routeFin:
		s.handleFin(peer, seg)
	case routeFinAck:
		s.handleKillFinAck(peer, seg)
	case routeTeardownAck:
		s.handleTeardownAck(peer, seg)
	case routeHeartbeat:
		s.handleHeartbeat(peer, seg)
	case routeKill:
		s.handleKill(peer, seg)
	case routeFailedKill:
		s.handleFailedKill(peer, seg)
	}
}

func (cl *Client) route(peer netip.AddrPort, seg *Segment, r route) {
	if peer != cl.server {
		cl.logger.Debug().Stringer("peer", peer).Msg("segment from a stranger, dropping")
		return
	}
	switch r {
	case routeSynAck:
		select {
		case cl.synAcks <- seg:
		default:
			cl.logger.Debug().Msg("no handshake waiting for SYN-ACK")
		}
	case routeAck:
		cl.handleAckSegment(seg)
	case routeData:
		cl.handleDataSegment(seg)
	case routeFin:
		cl.handleFin(seg)
	case routeFinAck:
		cl.handleFinAck(seg)
	case routeKillAck:
		cl.handleKillAck(seg)
	}
}
