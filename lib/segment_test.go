package lib

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
)

func TestSegmentRoundTrip(t *testing.T) {
	testCases := []struct {
		name string
		seg  Segment
	}{
		{"empty control", Segment{SourcePort: 1, DestinationPort: 2, Flags: SYNFlag, MessageType: MsgJoin}},
		{"syn-ack", Segment{SourcePort: 1234, DestinationPort: 40000, SequenceNumber: 500, AcknowledgmentNum: 101,
			Flags: SYNACKFlag, WindowSize: 520, Timestamp: 1700000000, MessageType: MsgJoin}},
		{"one byte", Segment{SequenceNumber: 1 << 40, AcknowledgmentNum: 1<<64 - 1, WindowSize: 0xFFFF,
			PayloadLength: 1, MessageType: MsgData, Payload: []byte{0}}},
		{"full payload", Segment{SourcePort: 0xFFFF, DestinationPort: 0xFFFF, SequenceNumber: 64, Flags: FINACKFlag,
			PayloadLength: 300, Timestamp: 1<<64 - 1, MessageType: MsgFailedKill, Payload: bytes.Repeat([]byte{0xAB}, MaxPayloadLength)}},
	}

	for _, tc := range testCases {
		data, err := tc.seg.Encode()
		if err != nil {
			t.Fatalf("%s: Encode: %v", tc.name, err)
		}
		if len(data) != HeaderLength+len(tc.seg.Payload) {
			t.Errorf("%s: encoded %d bytes, want %d", tc.name, len(data), HeaderLength+len(tc.seg.Payload))
		}
		got, err := DecodeSegment(data)
		if err != nil {
			t.Fatalf("%s: DecodeSegment: %v", tc.name, err)
		}
		want := tc.seg
		if got.SourcePort != want.SourcePort || got.DestinationPort != want.DestinationPort ||
			got.SequenceNumber != want.SequenceNumber || got.AcknowledgmentNum != want.AcknowledgmentNum ||
			got.Flags != want.Flags || got.Checksum != want.Checksum || got.WindowSize != want.WindowSize ||
			got.PayloadLength != want.PayloadLength || got.Timestamp != want.Timestamp ||
			got.MessageType != want.MessageType || !bytes.Equal(got.Payload, want.Payload) {
			t.Errorf("%s: round trip mismatch\n got %+v\nwant %+v", tc.name, got, want)
		}
	}
}

func TestSegmentHeaderLayout(t *testing.T) {
	seg := &Segment{
		SourcePort:        0x0102,
		DestinationPort:   0x0304,
		SequenceNumber:    0x0506070809101112,
		AcknowledgmentNum: 0x1314151617181920,
		Flags:             FINACKFlag,
		WindowSize:        0x2122,
		PayloadLength:     0x2324,
		Timestamp:         0x2526272829303132,
		MessageType:       MsgCommand,
		Payload:           []byte("hi"),
	}
	data, err := seg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	if got := binary.BigEndian.Uint16(data[0:2]); got != 0x0102 {
		t.Errorf("src port = %#x", got)
	}
	if got := binary.BigEndian.Uint64(data[4:12]); got != seg.SequenceNumber {
		t.Errorf("seq = %#x", got)
	}
	if got := binary.BigEndian.Uint64(data[12:20]); got != seg.AcknowledgmentNum {
		t.Errorf("ack = %#x", got)
	}
	if data[20] != FINACKFlag {
		t.Errorf("flags = %#x", data[20])
	}
	if got := binary.BigEndian.Uint16(data[21:23]); got != seg.Checksum {
		t.Errorf("checksum field = %#x, segment says %#x", got, seg.Checksum)
	}
	if got := binary.BigEndian.Uint16(data[23:25]); got != 0x2122 {
		t.Errorf("window = %#x", got)
	}
	if got := binary.BigEndian.Uint16(data[25:27]); got != 0x2324 {
		t.Errorf("payload length = %#x", got)
	}
	if got := binary.BigEndian.Uint64(data[27:35]); got != seg.Timestamp {
		t.Errorf("timestamp = %#x", got)
	}
	if data[35] != byte(MsgCommand) {
		t.Errorf("message type = %d", data[35])
	}
	if !bytes.Equal(data[36:40], []byte{0, 0, 0, 0}) {
		t.Errorf("padding = %v", data[36:40])
	}
	if string(data[40:]) != "hi" {
		t.Errorf("payload = %q", data[40:])
	}
}

func TestDecodeDetectsEveryBitFlip(t *testing.T) {
	seg := &Segment{SourcePort: 4000, DestinationPort: 1234, SequenceNumber: 101, AcknowledgmentNum: 501,
		WindowSize: 520, PayloadLength: 7, Timestamp: 1700000000, MessageType: MsgData, Payload: []byte("hello!\x00")}
	data, err := seg.Encode()
	if err != nil {
		t.Fatal(err)
	}

	for i := range data {
		for bit := 0; bit < 8; bit++ {
			corrupted := append([]byte(nil), data...)
			corrupted[i] ^= 1 << bit
			if _, err := DecodeSegment(corrupted); !errors.Is(err, ErrChecksumMismatch) {
				t.Fatalf("flip of byte %d bit %d: err = %v, want ErrChecksumMismatch", i, bit, err)
			}
		}
	}
}

func TestDecodeTooShort(t *testing.T) {
	for _, n := range []int{0, 1, HeaderLength - 1} {
		if _, err := DecodeSegment(make([]byte, n)); !errors.Is(err, ErrSegmentTooShort) {
			t.Errorf("%d bytes: err = %v, want ErrSegmentTooShort", n, err)
		}
	}
}

func TestDecodeLeavesInputIntact(t *testing.T) {
	data, _ := (&Segment{SequenceNumber: 9, Payload: []byte("x")}).Encode()
	before := append([]byte(nil), data...)
	if _, err := DecodeSegment(data); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(before, data) {
		t.Error("DecodeSegment modified its input")
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	seg := &Segment{Payload: make([]byte, MaxPayloadLength+1)}
	if _, err := seg.Encode(); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("err = %v, want ErrPayloadTooLarge", err)
	}
}

func TestCalculateChecksum(t *testing.T) {
	testCases := []struct {
		name string
		data []byte
		want uint16
	}{
		{"empty", nil, 0xFFFF},
		// RFC 1071 section 3 example: sum ddf2
		{"rfc1071", []byte{0x00, 0x01, 0xf2, 0x03, 0xf4, 0xf5, 0xf6, 0xf7}, 0x220d},
		{"odd length pads with zero", []byte{0x01}, 0xFEFF},
		{"padding equivalence", []byte{0x01, 0x00}, 0xFEFF},
		{"carry wraps", []byte{0xFF, 0xFF, 0x00, 0x01}, 0xFFFE},
	}

	for _, tc := range testCases {
		if got := CalculateChecksum(tc.data); got != tc.want {
			t.Errorf("%s: CalculateChecksum = %#04x, want %#04x", tc.name, got, tc.want)
		}
	}
}

func TestGenerateISN(t *testing.T) {
	for i := 0; i < 1000; i++ {
		isn, err := GenerateISN()
		if err != nil {
			t.Fatal(err)
		}
		if isn < 1 || isn > 1<<31-1 {
			t.Fatalf("ISN %d outside [1, 2^31-1]", isn)
		}
	}
}
