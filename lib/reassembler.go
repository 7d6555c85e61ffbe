package lib

import (
	"bytes"
)

// delivery is one flushed reassembly buffer on its way to the application.
type delivery struct {
	mt        MessageType
	timestamp uint64
	payload   []byte
	declared  int // logical message length, terminator excluded
}

// handleData acknowledges an inbound data segment, buffers it and flushes the buffer when the
// message is complete or receive credit runs low. Caller holds c.mu.
func (e *endpoint) handleData(c *Connection, seg *Segment) *delivery {
	n := len(seg.Payload)
	if n == 0 {
		return nil
	}
	if seg.SequenceNumber+uint64(n) <= c.ackNum {
		e.logger.Debug().Stringer("peer", c.peer).Uint64("seq", seg.SequenceNumber).Msg("duplicate segment, re-acknowledging")
		e.ackData(c, seg.MessageType)
		return nil
	}
	if seg.SequenceNumber > c.ackNum {
		e.logger.Warn().Stringer("peer", c.peer).Uint64("seq", seg.SequenceNumber).Uint64("expected", c.ackNum).
			Msg("gap in sequence, bytes lost")
	}

	c.ackNum = seg.SequenceNumber + uint64(n)
	c.recvWindow -= n
	c.msgReceived += n
	c.recvBuf = append(c.recvBuf, fragment{
		seq:       seg.SequenceNumber,
		mt:        seg.MessageType,
		timestamp: seg.Timestamp,
		payload:   seg.Payload,
		declared:  seg.PayloadLength,
	})
	e.ackData(c, seg.MessageType)

	complete := c.msgReceived >= int(seg.PayloadLength)
	if !complete && seg.Payload[n-1] != messageTerminator && !c.mustFlush() {
		return nil
	}
	d := c.flush(complete)
	// the restored credit has to reach the sender, or it may wait on a window too small for one chunk
	e.ackData(c, seg.MessageType)
	return d
}

// mustFlush is the force-flush rule: deliver what is buffered before receive credit starves.
func (c *Connection) mustFlush() bool {
	return c.recvWindow < lowWaterMark || c.inFlight()+MaxPayloadLength > c.recvWindow
}

// flush empties the reassembly buffer and restores the credit it consumed.
// Only a complete message has its terminator stripped; a zero byte inside a
// message only ends the current delivery. It returns nil when nothing is left
// to deliver. Caller holds c.mu.
func (c *Connection) flush(complete bool) *delivery {
	var buf bytes.Buffer
	for _, f := range c.recvBuf {
		buf.Write(f.payload)
	}
	first := c.recvBuf[0]
	last := c.recvBuf[len(c.recvBuf)-1]
	c.recvBuf = nil
	c.recvWindow += buf.Len()

	data := buf.Bytes()
	if complete {
		c.msgReceived = 0
		if len(data) > 0 && data[len(data)-1] == messageTerminator {
			data = data[:len(data)-1]
		}
	}
	declared := int(last.declared)
	if declared > 0 {
		declared--
	}
	if complete && len(data) == 0 && declared > 0 {
		// a force flush already delivered every data byte; only the terminator was left
		return nil
	}
	return &delivery{
		mt:        first.mt,
		timestamp: first.timestamp,
		payload:   data,
		declared:  declared,
	}
}

func (e *endpoint) ackData(c *Connection, mt MessageType) {
	if err := e.sendControl(c, ACKFlag, mt, c.nextSeq, c.ackNum, nil); err != nil {
		e.logger.Warn().Err(err).Stringer("peer", c.peer).Msg("sending ACK")
	}
}
