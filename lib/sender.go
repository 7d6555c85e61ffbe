package lib

import (
	"context"
	"fmt"
)

// send chunks payload into segments and releases each one only when it fits the peer's
// advertised window. A zero terminator is appended so the receiver can find the message end.
func (e *endpoint) send(ctx context.Context, c *Connection, payload []byte, mt MessageType) error {
	if len(payload) > MaxMessageLength {
		return fmt.Errorf("%w: message of %d bytes does not fit the 16-bit length field", ErrPayloadTooLarge, len(payload))
	}
	msg := make([]byte, len(payload)+1)
	copy(msg, payload)
	msg[len(payload)] = messageTerminator

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if e.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.SendTimeout)
		defer cancel()
	}
	// wake window waiters when ctx ends
	stop := context.AfterFunc(ctx, func() {
		c.mu.Lock()
		c.windowCond.Broadcast()
		c.mu.Unlock()
	})
	defer stop()

	declared := uint16(len(msg))
	for off := 0; off < len(msg); off += MaxPayloadLength {
		end := min(off+MaxPayloadLength, len(msg))
		if err := e.sendChunk(ctx, c, msg[off:end], declared, mt); err != nil {
			return err
		}
	}
	return nil
}

func (e *endpoint) sendChunk(ctx context.Context, c *Connection, chunk []byte, declared uint16, mt MessageType) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for {
		if c.removed {
			return ErrConnectionClosed
		}
		if c.state != StateEstablished || c.phase != PhaseNone {
			return fmt.Errorf("%w: %s is %s/%s", ErrConnectionClosed, c.peer, c.state, c.phase)
		}
		if c.nextSeq < c.sendBase {
			return fmt.Errorf("%w: next %d, base %d", ErrSequenceViolation, c.nextSeq, c.sendBase)
		}
		if c.admits(len(chunk)) {
			break
		}
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for window credit from %s: %w", c.peer, err)
		}
		c.windowCond.Wait()
	}

	data, elem := holdPayload(chunk)
	seg := newSegment(0, mt)
	seg.SequenceNumber = c.nextSeq
	seg.AcknowledgmentNum = c.ackNum
	seg.WindowSize = c.advertisedWindow()
	seg.PayloadLength = declared
	seg.Payload = data
	if err := e.writeSegment(c.peer, seg); err != nil {
		releaseChunk(elem)
		return err
	}
	c.unacked.add(seg.SequenceNumber, data, elem)
	c.nextSeq += uint64(len(data))
	return nil
}

// handleAck applies a cumulative ACK from the peer. Caller holds c.mu.
func (e *endpoint) handleAck(c *Connection, seg *Segment) {
	if seg.AcknowledgmentNum > c.nextSeq {
		e.logger.Warn().Stringer("peer", c.peer).Uint64("ack", seg.AcknowledgmentNum).Uint64("next", c.nextSeq).
			Msg("ACK beyond anything sent, ignoring")
		return
	}
	freed := c.onAck(seg.AcknowledgmentNum, seg.WindowSize)
	e.logger.Debug().Stringer("peer", c.peer).Uint64("ack", seg.AcknowledgmentNum).Uint64("freed", freed).
		Int("window", c.remoteWindow).Msg("cumulative ACK")
}
