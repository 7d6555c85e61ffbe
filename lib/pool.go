package lib

import (
	"fmt"
	"sync"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/rs/zerolog/log"
)

var (
	emptySlice []byte
	// Pool holds the payload chunks of unacknowledged segments. Nil until InitPool runs;
	// without it in-flight payloads are plain heap copies.
	Pool     *rp.RingPool
	poolOnce sync.Once
)

// InitPool creates the process-wide chunk pool. Only the first call has any effect.
func InitPool(size int, debug bool) {
	poolOnce.Do(func() {
		rp.Debug = debug
		emptySlice = make([]byte, MaxPayloadLength)
		Pool = rp.NewRingPool("RTP: ", size, NewPayload, MaxPayloadLength)
		Pool.Debug = debug
	})
}

// Payload is a fixed-capacity buffer recycled through Pool.
type Payload struct {
	payloadBytes []byte
	length       int
}

// NewPayload is the ring pool constructor. params[0] is the buffer length.
func NewPayload(params ...interface{}) rp.DataInterface {
	if len(params) != 1 {
		log.Error().Int("params", len(params)).Msg("NewPayload: want exactly one parameter, the buffer length")
		return nil
	}
	bufferLength, ok := params[0].(int)
	if !ok {
		log.Error().Msg("NewPayload: buffer length must be an int")
		return nil
	}
	return &Payload{
		payloadBytes: make([]byte, bufferLength),
	}
}

func (p *Payload) SetContent(s string) {
	p.length = copy(p.payloadBytes, s)
}

func (p *Payload) Reset() {
	copy(p.payloadBytes, emptySlice)
	p.length = 0
}

func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("Payload Copy: source (%d) is longer than buffer (%d)", len(src), len(p.payloadBytes))
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// holdPayload copies b into a pooled chunk when the pool is available.
// The returned slice stays valid until releaseChunk is called on the returned element.
func holdPayload(b []byte) ([]byte, *rp.Element) {
	if Pool == nil || len(b) == 0 {
		return append([]byte(nil), b...), nil
	}
	chunk := Pool.GetElement()
	if chunk == nil {
		return append([]byte(nil), b...), nil
	}
	if rp.Debug {
		chunk.TickFootPrint(chunk.AddFootPrint("holdPayload"))
	}
	payload := chunk.Data.(*Payload)
	if err := payload.Copy(b); err != nil {
		Pool.ReturnElement(chunk)
		return append([]byte(nil), b...), nil
	}
	return payload.GetSlice(), chunk
}

func releaseChunk(chunk *rp.Element) {
	if chunk != nil && Pool != nil {
		Pool.ReturnElement(chunk)
	}
}
