package lib

import (
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"math/big"
	"time"
)

// Segment is one transport unit: a fixed 40-byte header plus up to 64 bytes of payload.
type Segment struct {
	SourcePort        uint16      // SourcePort represents the source port
	DestinationPort   uint16      // DestinationPort represents the destination port
	SequenceNumber    uint64      // byte offset of the first payload byte
	AcknowledgmentNum uint64      // next byte expected from the peer
	Flags             uint8       // SYN, ACK, FIN and their combinations
	Checksum          uint16      // filled by MarshalTo, verified by DecodeSegment
	WindowSize        uint16      // receive credit the sender advertises, in bytes
	PayloadLength     uint16      // declared length of the whole logical message
	Timestamp         uint64      // send time, Unix seconds
	MessageType       MessageType // what the payload means to the layer above
	Payload           []byte
}

func newSegment(flags uint8, mt MessageType) *Segment {
	return &Segment{
		Flags:       flags,
		MessageType: mt,
		Timestamp:   uint64(time.Now().Unix()),
	}
}

func (s *Segment) Len() int {
	return HeaderLength + len(s.Payload)
}

// HasFlags reports whether every bit of flags is set on the segment.
func (s *Segment) HasFlags(flags uint8) bool {
	return s.Flags&flags == flags
}

func (s *Segment) String() string {
	return fmt.Sprintf("{flags:%#02x type:%s seq:%d ack:%d win:%d len:%d/%d}",
		s.Flags, s.MessageType, s.SequenceNumber, s.AcknowledgmentNum, s.WindowSize, len(s.Payload), s.PayloadLength)
}

// MarshalTo serializes the segment into buffer and returns the frame length.
// The checksum is computed over the frame with the checksum field zeroed and then written in place.
func (s *Segment) MarshalTo(buffer []byte) (int, error) {
	if len(s.Payload) > MaxPayloadLength {
		return 0, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(s.Payload))
	}
	frameLength := s.Len()
	if len(buffer) < frameLength {
		return 0, fmt.Errorf("buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}
	frame := buffer[:frameLength]

	s.putHeader(frame)
	copy(frame[HeaderLength:], s.Payload)

	s.Checksum = CalculateChecksum(frame)
	binary.BigEndian.PutUint16(frame[21:23], s.Checksum)

	return frameLength, nil
}

// putHeader writes the header into frame[:HeaderLength] with a zero checksum field.
func (s *Segment) putHeader(frame []byte) {
	binary.BigEndian.PutUint16(frame[0:2], s.SourcePort)
	binary.BigEndian.PutUint16(frame[2:4], s.DestinationPort)
	binary.BigEndian.PutUint64(frame[4:12], s.SequenceNumber)
	binary.BigEndian.PutUint64(frame[12:20], s.AcknowledgmentNum)
	frame[20] = s.Flags
	// leave frame[21:23] (checksum) as all zero for now
	binary.BigEndian.PutUint16(frame[21:23], 0)
	binary.BigEndian.PutUint16(frame[23:25], s.WindowSize)
	binary.BigEndian.PutUint16(frame[25:27], s.PayloadLength)
	binary.BigEndian.PutUint64(frame[27:35], s.Timestamp)
	frame[35] = uint8(s.MessageType)
	copy(frame[36:40], []byte{0, 0, 0, 0}) // padding
}

// Encode returns the wire form of the segment in a fresh buffer.
func (s *Segment) Encode() ([]byte, error) {
	buf := make([]byte, s.Len())
	n, err := s.MarshalTo(buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// DecodeSegment parses and verifies one datagram. The payload is copied so data may be reused.
func DecodeSegment(data []byte) (*Segment, error) {
	if len(data) < HeaderLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrSegmentTooShort, len(data))
	}
	if !VerifyChecksum(data) {
		return nil, ErrChecksumMismatch
	}

	s := &Segment{
		SourcePort:        binary.BigEndian.Uint16(data[0:2]),
		DestinationPort:   binary.BigEndian.Uint16(data[2:4]),
		SequenceNumber:    binary.BigEndian.Uint64(data[4:12]),
		AcknowledgmentNum: binary.BigEndian.Uint64(data[12:20]),
		Flags:             data[20],
		Checksum:          binary.BigEndian.Uint16(data[21:23]),
		WindowSize:        binary.BigEndian.Uint16(data[23:25]),
		PayloadLength:     binary.BigEndian.Uint16(data[25:27]),
		Timestamp:         binary.BigEndian.Uint64(data[27:35]),
		MessageType:       MessageType(data[35]),
	}
	if len(data) > HeaderLength {
		s.Payload = append([]byte(nil), data[HeaderLength:]...)
	}
	return s, nil
}

// CalculateChecksum is the Internet checksum: 16-bit big-endian words summed with
// end-around carry, odd trailing byte padded with zero, then complemented.
func CalculateChecksum(buffer []byte) uint16 {
	var cksum uint32 = 0

	// Process 16-bit words (2 bytes each)
	for i := 0; i < len(buffer)-1; i += 2 {
		cksum += uint32(binary.BigEndian.Uint16(buffer[i : i+2]))
	}

	// Handle remaining odd byte, if any
	if len(buffer)%2 != 0 {
		cksum += uint32(buffer[len(buffer)-1]) << 8
	}

	// Fold 32-bit sum to 16 bits
	cksum = (cksum >> 16) + (cksum & 0xffff)
	cksum += (cksum >> 16)

	return ^uint16(cksum)
}

// VerifyChecksum recomputes the checksum of a frame with its checksum field zeroed.
// data is restored before returning.
func VerifyChecksum(data []byte) bool {
	if len(data) < HeaderLength {
		return false
	}
	received := binary.BigEndian.Uint16(data[checksumOffset : checksumOffset+2])
	binary.BigEndian.PutUint16(data[checksumOffset:checksumOffset+2], 0)
	calculated := CalculateChecksum(data)
	binary.BigEndian.PutUint16(data[checksumOffset:checksumOffset+2], received)
	return received == calculated
}

var isnRange = big.NewInt(1<<31 - 1)

// GenerateISN returns a random initial sequence number in [1, 2^31-1].
func GenerateISN() (uint64, error) {
	n, err := rand.Int(rand.Reader, isnRange)
	if err != nil {
		return 0, err
	}
	return n.Uint64() + 1, nil
}
