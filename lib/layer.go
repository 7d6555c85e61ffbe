package lib

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// LayerTypeSegment lets gopacket dissect transport segments, e.g. in traces or in the lossy relay.
var LayerTypeSegment = gopacket.RegisterLayerType(2231, gopacket.LayerTypeMetadata{
	Name:    "RTPSegment",
	Decoder: gopacket.DecodeFunc(decodeSegmentLayer),
})

// SegmentLayer wraps a Segment as a gopacket layer. Contents is the header, Payload the segment payload.
type SegmentLayer struct {
	layers.BaseLayer
	Seg *Segment
}

func (l *SegmentLayer) LayerType() gopacket.LayerType { return LayerTypeSegment }

func (l *SegmentLayer) CanDecode() gopacket.LayerClass { return LayerTypeSegment }

func (l *SegmentLayer) NextLayerType() gopacket.LayerType {
	if len(l.BaseLayer.Payload) == 0 {
		return gopacket.LayerTypeZero
	}
	return gopacket.LayerTypePayload
}

func (l *SegmentLayer) DecodeFromBytes(data []byte, df gopacket.DecodeFeedback) error {
	seg, err := DecodeSegment(data)
	if err != nil {
		if errors.Is(err, ErrSegmentTooShort) {
			df.SetTruncated()
		}
		return err
	}
	l.Seg = seg
	l.BaseLayer = layers.BaseLayer{Contents: data[:HeaderLength], Payload: data[HeaderLength:]}
	return nil
}

// SerializeTo prepends the header in front of whatever payload is already in b.
func (l *SegmentLayer) SerializeTo(b gopacket.SerializeBuffer, opts gopacket.SerializeOptions) error {
	if l.Seg == nil {
		return fmt.Errorf("segment layer has no segment")
	}
	if len(b.Bytes()) > MaxPayloadLength {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(b.Bytes()))
	}
	header, err := b.PrependBytes(HeaderLength)
	if err != nil {
		return err
	}
	l.Seg.putHeader(header)
	if opts.ComputeChecksums {
		l.Seg.Checksum = CalculateChecksum(b.Bytes())
	}
	binary.BigEndian.PutUint16(header[checksumOffset:checksumOffset+2], l.Seg.Checksum)
	return nil
}

func (l *SegmentLayer) String() string {
	if l.Seg == nil {
		return "RTPSegment{}"
	}
	return "RTPSegment" + l.Seg.String()
}

func decodeSegmentLayer(data []byte, p gopacket.PacketBuilder) error {
	l := &SegmentLayer{}
	if err := l.DecodeFromBytes(data, p); err != nil {
		return err
	}
	p.AddLayer(l)
	return p.NextDecoder(l.NextLayerType())
}

// DissectSegment decodes a raw datagram through gopacket and returns its segment layer.
func DissectSegment(raw []byte) (gopacket.Packet, *SegmentLayer) {
	packet := gopacket.NewPacket(raw, LayerTypeSegment, gopacket.Default)
	if l, ok := packet.Layer(LayerTypeSegment).(*SegmentLayer); ok {
		return packet, l
	}
	return packet, nil
}
