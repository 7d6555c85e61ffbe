package lib

import "errors"

var (
	// framing
	ErrSegmentTooShort  = errors.New("segment shorter than header")
	ErrChecksumMismatch = errors.New("segment checksum mismatch")
	ErrPayloadTooLarge  = errors.New("payload too large")

	// sequencing and lifecycle
	ErrSequenceViolation   = errors.New("next sequence number is below send base")
	ErrConnectionClosed    = errors.New("connection is closed")
	ErrHandshakeRejected   = errors.New("handshake rejected")
	ErrAlreadyConnected    = errors.New("peer already connected")
	ErrUnknownPeer         = errors.New("unknown peer")
	ErrTeardownAckMismatch = errors.New("final teardown ACK does not match")
	ErrHeartbeatExpired    = errors.New("peer heartbeat expired")
	ErrKillUnauthorized    = errors.New("kill attempt with wrong secret")
	ErrTerminated          = errors.New("endpoint terminated by peer")
)
