package lib

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/fnv"
	"net"
	"net/netip"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

// PacketConn is the unreliable datagram service the transport runs on. *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFromUDPAddrPort(b []byte) (int, netip.AddrPort, error)
	WriteToUDPAddrPort(b []byte, addr netip.AddrPort) (int, error)
	Close() error
	LocalAddr() net.Addr
}

type inbound struct {
	peer netip.AddrPort
	data []byte
}

// endpoint is the machinery shared by Server and Client: one receive loop, a fixed set of
// workers each owning a shard of peers, and a single goroutine delivering upward events.
type endpoint struct {
	cfg       *config.Config
	conn      PacketConn
	role      Role
	localPort uint16
	isn       func() (uint64, error)
	dispatch  func(peer netip.AddrPort, seg *Segment, r route)
	logger    zerolog.Logger

	shards      []chan inbound
	events      chan func()
	group       *errgroup.Group
	closeSignal chan struct{} // closed once the endpoint terminates
	closeOnce   sync.Once
	cause       error
}

func newEndpoint(cfg *config.Config, conn PacketConn, role Role) *endpoint {
	e := &endpoint{
		cfg:         cfg,
		conn:        conn,
		role:        role,
		isn:         GenerateISN,
		shards:      make([]chan inbound, cfg.WorkerCount),
		events:      make(chan func(), cfg.EventQueueSize),
		closeSignal: make(chan struct{}),
	}
	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok {
		e.localPort = uint16(addr.Port)
	}
	for i := range e.shards {
		e.shards[i] = make(chan inbound, 64)
	}
	e.logger = log.With().Stringer("role", role).Str("local", conn.LocalAddr().String()).Logger()
	return e
}

// run blocks until the endpoint terminates, either through terminate or ctx.
func (e *endpoint) run(ctx context.Context, tasks ...func() error) error {
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error {
		select {
		case <-gctx.Done():
			e.terminate(context.Cause(gctx))
		case <-e.closeSignal:
		}
		return nil
	})
	g.Go(e.receiveLoop)
	for _, shard := range e.shards {
		g.Go(func() error {
			e.worker(shard)
			return nil
		})
	}
	g.Go(func() error {
		e.deliverEvents()
		return nil
	})
	for _, task := range tasks {
		g.Go(task)
	}

	return g.Wait()
}

// spawn runs fn as part of the endpoint's lifecycle. Only call it from a running endpoint goroutine.
func (e *endpoint) spawn(fn func() error) {
	e.group.Go(fn)
}

func (e *endpoint) receiveLoop() error {
	buf := make([]byte, 2048)
	for {
		n, peer, err := e.conn.ReadFromUDPAddrPort(buf)
		if err != nil {
			if e.closed() {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("read datagram: %w", err)
		}
		peer = netip.AddrPortFrom(peer.Addr().Unmap(), peer.Port())
		if n > MaxSegmentLength {
			e.logger.Debug().Stringer("peer", peer).Int("bytes", n).Msg("dropping oversized datagram")
			continue
		}

		pkt := inbound{peer: peer, data: append([]byte(nil), buf[:n]...)}
		select {
		case e.shards[e.shardFor(peer)] <- pkt:
		case <-e.closeSignal:
			return nil
		}
	}
}

// shardFor pins every peer to one worker so its segments are handled by a single writer in arrival order.
func (e *endpoint) shardFor(peer netip.AddrPort) int {
	h := fnv.New32a()
	addr := peer.Addr().As16()
	h.Write(addr[:])
	var port [2]byte
	binary.BigEndian.PutUint16(port[:], peer.Port())
	h.Write(port[:])
	return int(h.Sum32() % uint32(len(e.shards)))
}

func (e *endpoint) worker(in <-chan inbound) {
	for {
		select {
		case <-e.closeSignal:
			return
		case pkt := <-in:
			e.handleDatagram(pkt.peer, pkt.data)
		}
	}
}

func (e *endpoint) handleDatagram(peer netip.AddrPort, data []byte) {
	if e.cfg.Trace && zerolog.GlobalLevel() <= zerolog.DebugLevel {
		packet, _ := DissectSegment(data)
		e.logger.Debug().Stringer("peer", peer).Msg(packet.String())
	}

	seg, err := DecodeSegment(data)
	if err != nil {
		e.logger.Debug().Err(err).Stringer("peer", peer).Msg("dropping invalid datagram")
		return
	}
	r := classify(e.role, seg.Flags, seg.MessageType)
	if r == routeDrop {
		e.logger.Debug().Stringer("peer", peer).Stringer("segment", seg).Msg("no handler for segment")
		return
	}
	e.dispatch(peer, seg, r)
}

// emit queues an upward event. It never runs fn on the calling goroutine.
func (e *endpoint) emit(fn func()) {
	select {
	case e.events <- fn:
	case <-e.closeSignal:
		select {
		case e.events <- fn:
		default:
			e.logger.Warn().Msg("event queue full at shutdown, event dropped")
		}
	}
}

func (e *endpoint) deliverEvents() {
	for {
		select {
		case fn := <-e.events:
			fn()
		case <-e.closeSignal:
			for {
				select {
				case fn := <-e.events:
					fn()
				default:
					return
				}
			}
		}
	}
}

func (e *endpoint) writeSegment(peer netip.AddrPort, seg *Segment) error {
	seg.SourcePort = e.localPort
	seg.DestinationPort = peer.Port()
	data, err := seg.Encode()
	if err != nil {
		return err
	}
	if _, err := e.conn.WriteToUDPAddrPort(data, peer); err != nil {
		return fmt.Errorf("write to %s: %w", peer, err)
	}
	e.logger.Debug().Stringer("peer", peer).Stringer("segment", seg).Msg("sent")
	return nil
}

// sendControl writes a segment that carries no stream data. Caller holds c.mu.
func (e *endpoint) sendControl(c *Connection, flags uint8, mt MessageType, seq, ack uint64, payload []byte) error {
	seg := newSegment(flags, mt)
	seg.SequenceNumber = seq
	seg.AcknowledgmentNum = ack
	seg.WindowSize = c.advertisedWindow()
	seg.PayloadLength = uint16(len(payload))
	seg.Payload = payload
	return e.writeSegment(c.peer, seg)
}

// terminate closes the endpoint once. cause is reported by err; nil means a local Close.
func (e *endpoint) terminate(cause error) {
	e.closeOnce.Do(func() {
		e.cause = cause
		close(e.closeSignal)
		if err := e.conn.Close(); err != nil {
			e.logger.Debug().Err(err).Msg("closing socket")
		}
	})
}

func (e *endpoint) closed() bool {
	select {
	case <-e.closeSignal:
		return true
	default:
		return false
	}
}

func (e *endpoint) err() error {
	if !e.closed() {
		return nil
	}
	return e.cause
}
