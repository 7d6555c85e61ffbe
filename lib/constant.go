package lib

import "fmt"

const (
	HeaderLength      = 40                               // fixed segment header
	MaxPayloadLength  = 64                               // payload capacity of one segment
	MaxSegmentLength  = HeaderLength + MaxPayloadLength  // largest datagram on the wire
	lowWaterMark      = HeaderLength + MaxPayloadLength  // one segment's theoretical cost
	messageTerminator = 0x00                             // appended to every outbound message
	checksumOffset    = 2 + 2 + 8 + 8 + 1                // checksum field position in the header

	// MaxMessageLength is the largest payload Send accepts; the declared length field also counts the terminator.
	MaxMessageLength = 0xFFFF - 1
)

// Flag constants
const (
	FINFlag uint8 = 1 << 0
	SYNFlag uint8 = 1 << 1
	ACKFlag uint8 = 1 << 4

	SYNACKFlag = SYNFlag | ACKFlag
	FINACKFlag = FINFlag | ACKFlag
)

// MessageType tags what a segment carries for the layer above.
type MessageType uint8

const (
	MsgOther      MessageType = 0
	MsgData       MessageType = 1
	MsgJoin       MessageType = 2 // handshake, payload is the peer identity
	MsgLeave      MessageType = 3 // teardown
	MsgHeartbeat  MessageType = 4
	MsgCommand    MessageType = 5 // side-channel command
	MsgKill       MessageType = 6 // forced kill and its ACK
	MsgFailedKill MessageType = 7
)

func (m MessageType) String() string {
	switch m {
	case MsgOther:
		return "other"
	case MsgData:
		return "data"
	case MsgJoin:
		return "join"
	case MsgLeave:
		return "leave"
	case MsgHeartbeat:
		return "heartbeat"
	case MsgCommand:
		return "command"
	case MsgKill:
		return "kill"
	case MsgFailedKill:
		return "failed-kill"
	}
	return fmt.Sprintf("type(%d)", uint8(m))
}

// TerminationPhase is the teardown progress of one connection.
type TerminationPhase uint8

const (
	PhaseNone     TerminationPhase = iota
	PhaseFinWait1                  // FIN sent, waiting for FIN-ACK
	PhaseLastAck                   // FIN received and FIN-ACK sent, waiting for the final ACK
	PhaseTimeWait                  // final ACK sent
)

func (p TerminationPhase) String() string {
	switch p {
	case PhaseNone:
		return "NONE"
	case PhaseFinWait1:
		return "FIN_WAIT_1"
	case PhaseLastAck:
		return "LAST_ACK"
	case PhaseTimeWait:
		return "TIME_WAIT"
	}
	return fmt.Sprintf("phase(%d)", uint8(p))
}

// ConnState is the establishment state of one connection.
type ConnState uint8

const (
	StateSynSent     ConnState = iota + 1 // client, SYN out
	StateSynReceived                      // server, SYN-ACK out
	StateEstablished
	StateClosed // removed from the table, terminal
)

func (s ConnState) String() string {
	switch s {
	case StateSynSent:
		return "SYN_SENT"
	case StateSynReceived:
		return "SYN_RECEIVED"
	case StateEstablished:
		return "ESTABLISHED"
	case StateClosed:
		return "CLOSED"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Role of the local side of a connection.
type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) String() string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}
