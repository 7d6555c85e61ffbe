package lib

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

// ServerEvent is what a server endpoint reports to the application.
type ServerEvent struct {
	Peer           netip.AddrPort
	Type           MessageType
	Timestamp      time.Time
	Payload        []byte
	DeclaredLength int   // logical length the sender announced; differs from len(Payload) after a force flush
	Err            error // set for failed teardowns, evictions and rejected kills
}

type ServerHandler func(ServerEvent)

// Server accepts any number of peers on one datagram socket.
type Server struct {
	*endpoint
	table   *ConnectionTable
	handler ServerHandler
	sem     *semaphore.Weighted

	killMu sync.Mutex
	kill   *killCollector
}

func newServer(cfg *config.Config, conn PacketConn, handler ServerHandler) *Server {
	s := &Server{
		endpoint: newEndpoint(cfg, conn, RoleServer),
		table:    newConnectionTable(),
		handler:  handler,
		sem:      semaphore.NewWeighted(int64(cfg.BroadcastConcurrency)),
	}
	s.dispatch = s.route
	return s
}

// Serve processes datagrams until Close, ctx cancellation or an authorized kill.
// It returns nil after Close and ErrTerminated after a kill.
func (s *Server) Serve(ctx context.Context) error {
	s.logger.Info().Msg("server started")
	err := s.run(ctx, s.monitorHeartbeats)

	for _, c := range s.table.connections() {
		c.mu.Lock()
		s.table.remove(c)
		c.mu.Unlock()
	}
	s.logger.Info().Msg("server stopped")

	if err != nil {
		return err
	}
	return s.err()
}

func (s *Server) Close() error {
	s.terminate(nil)
	return nil
}

// Done is closed when the server stops.
func (s *Server) Done() <-chan struct{} {
	return s.closeSignal
}

func (s *Server) Addr() net.Addr {
	return s.conn.LocalAddr()
}

// Peers lists the peers that completed the handshake.
func (s *Server) Peers() []netip.AddrPort {
	var peers []netip.AddrPort
	for _, c := range s.table.connections() {
		c.mu.Lock()
		if c.state == StateEstablished {
			peers = append(peers, c.peer)
		}
		c.mu.Unlock()
	}
	return peers
}

func (s *Server) Stats(peer netip.AddrPort) (ConnectionStats, bool) {
	c, ok := s.table.get(peer)
	if !ok {
		return ConnectionStats{}, false
	}
	return c.Stats(), true
}

// Send delivers payload to one connected peer, blocking while its window is full.
func (s *Server) Send(ctx context.Context, peer netip.AddrPort, payload []byte, mt MessageType) error {
	c, ok := s.table.get(peer)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, peer)
	}
	return s.send(ctx, c, payload, mt)
}

// Broadcast sends payload to every connected peer, at most broadcast_concurrency at a time.
// Errors from individual peers are joined.
func (s *Server) Broadcast(ctx context.Context, payload []byte, mt MessageType) error {
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, peer := range s.Peers() {
		c, ok := s.table.get(peer)
		if !ok {
			continue
		}
		if err := s.sem.Acquire(ctx, 1); err != nil {
			mu.Lock()
			errs = append(errs, err)
			mu.Unlock()
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer s.sem.Release(1)
			if err := s.send(ctx, c, payload, mt); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", c.peer, err))
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (s *Server) emitEvent(ev ServerEvent) {
	if s.handler == nil {
		return
	}
	s.emit(func() { s.handler(ev) })
}

func (s *Server) handleDataSegment(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("data from unknown peer, rejected")
		return
	}
	c.mu.Lock()
	if c.removed || c.state != StateEstablished {
		c.mu.Unlock()
		s.logger.Warn().Stringer("peer", peer).Msg("data before the handshake completed, rejected")
		return
	}
	d := s.handleData(c, seg)
	c.mu.Unlock()

	if d != nil {
		s.emitEvent(ServerEvent{
			Peer:           peer,
			Type:           d.mt,
			Timestamp:      time.Unix(int64(d.timestamp), 0),
			Payload:        d.payload,
			DeclaredLength: d.declared,
		})
	}
}

func (s *Server) handleAckSegment(peer netip.AddrPort, seg *Segment) {
	c, ok := s.table.get(peer)
	if !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("ACK from unknown peer, rejected")
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.removed {
		return
	}
	s.handleAck(c, seg)
}

func (s *Server) handleFailedKill(peer netip.AddrPort, seg *Segment) {
	if _, ok := s.table.get(peer); !ok {
		s.logger.Warn().Stringer("peer", peer).Msg("failed-kill report from unknown peer, rejected")
		return
	}
	s.emitEvent(ServerEvent{
		Peer:      peer,
		Type:      MsgFailedKill,
		Timestamp: time.Unix(int64(seg.Timestamp), 0),
		Payload:   seg.Payload,
		Err:       ErrKillUnauthorized,
	})
}
