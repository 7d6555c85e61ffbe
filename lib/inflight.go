package lib

import (
	"time"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// inFlight is one data segment sent but not yet covered by a cumulative ACK.
type inFlight struct {
	seq    uint64
	length uint64
	sentAt time.Time // no retransmission timer reads this; Stats reports the oldest
	chunk  *rp.Element
	data   []byte
}

func (f *inFlight) end() uint64 {
	return f.seq + f.length
}

// unackedSegments maps sequence numbers to in-flight segments. Callers hold the connection mutex.
type unackedSegments struct {
	segments map[uint64]*inFlight
}

func newUnackedSegments() *unackedSegments {
	return &unackedSegments{segments: make(map[uint64]*inFlight)}
}

// add records a sent segment and takes ownership of its pooled chunk.
func (u *unackedSegments) add(seq uint64, data []byte, chunk *rp.Element) {
	u.segments[seq] = &inFlight{
		seq:    seq,
		length: uint64(len(data)),
		sentAt: time.Now(),
		chunk:  chunk,
		data:   data,
	}
}

// ackThrough removes every segment whose last byte lies below ack and returns how many bytes were freed.
func (u *unackedSegments) ackThrough(ack uint64) uint64 {
	var freed uint64
	for seq, f := range u.segments {
		if f.end() <= ack {
			delete(u.segments, seq)
			releaseChunk(f.chunk)
			freed += f.length
		}
	}
	return freed
}

func (u *unackedSegments) releaseAll() {
	for seq, f := range u.segments {
		delete(u.segments, seq)
		releaseChunk(f.chunk)
	}
}

// oldest returns the send time of the longest-waiting segment, zero when nothing is in flight.
func (u *unackedSegments) oldest() time.Time {
	var t time.Time
	for _, f := range u.segments {
		if t.IsZero() || f.sentAt.Before(t) {
			t = f.sentAt
		}
	}
	return t
}

func (u *unackedSegments) len() int {
	return len(u.segments)
}
