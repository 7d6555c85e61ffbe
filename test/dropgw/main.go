package main

import (
	"context"
	"errors"
	"flag"
	"math/rand"
	"net"
	"net/netip"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/lib"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/logging"
)

var (
	listenAddr = flag.String("listen", "127.0.0.2:8901", "gateway address clients connect to")
	targetAddr = flag.String("target", "127.0.0.1:1234", "relay server address")
	dropRate   = flag.Float64("droprate", 0.1, "datagram drop rate (0.0-1.0)")
	logLevel   = flag.String("log-level", "info", "debug shows every dissected segment")
)

// gateway relays datagrams between clients and one server through a socket per client,
// so the server sees each client as a distinct peer.
type gateway struct {
	front  *net.UDPConn
	target netip.AddrPort
	rate   float64

	mu       sync.Mutex
	rng      *rand.Rand
	sessions map[netip.AddrPort]*net.UDPConn
	group    *errgroup.Group
}

// drop decides the fate of one datagram and logs it.
func (g *gateway) drop(direction string, data []byte) bool {
	g.mu.Lock()
	lost := g.rng.Float64() < g.rate
	g.mu.Unlock()

	_, seg := lib.DissectSegment(data)
	ev := log.Debug()
	if lost {
		ev = log.Info()
	}
	if seg != nil {
		ev = ev.Stringer("segment", seg)
	} else {
		ev = ev.Int("bytes", len(data))
	}
	if lost {
		ev.Str("direction", direction).Msg("dropped")
	} else {
		ev.Str("direction", direction).Msg("forwarded")
	}
	return lost
}

func (g *gateway) upstream(client netip.AddrPort) (*net.UDPConn, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if up, ok := g.sessions[client]; ok {
		return up, nil
	}
	up, err := net.DialUDP("udp", nil, net.UDPAddrFromAddrPort(g.target))
	if err != nil {
		return nil, err
	}
	g.sessions[client] = up
	log.Info().Stringer("client", client).Stringer("via", up.LocalAddr()).Msg("new client")
	g.group.Go(func() error {
		g.serverToClient(client, up)
		return nil
	})
	return up, nil
}

func (g *gateway) clientToServer() error {
	buf := make([]byte, 2048)
	for {
		n, client, err := g.front.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		if g.drop("client-to-server", buf[:n]) {
			continue
		}
		up, err := g.upstream(client)
		if err != nil {
			log.Warn().Err(err).Stringer("client", client).Msg("opening upstream socket")
			continue
		}
		if _, err := up.Write(buf[:n]); err != nil {
			log.Warn().Err(err).Stringer("client", client).Msg("forwarding to server")
		}
	}
}

func (g *gateway) serverToClient(client netip.AddrPort, up *net.UDPConn) {
	buf := make([]byte, 2048)
	for {
		n, err := up.Read(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warn().Err(err).Stringer("client", client).Msg("reading from server")
			}
			return
		}
		if g.drop("server-to-client", buf[:n]) {
			continue
		}
		if _, err := g.front.WriteToUDPAddrPort(buf[:n], client); err != nil {
			log.Warn().Err(err).Stringer("client", client).Msg("forwarding to client")
		}
	}
}

func (g *gateway) close() {
	g.front.Close()
	g.mu.Lock()
	defer g.mu.Unlock()
	for client, up := range g.sessions {
		up.Close()
		delete(g.sessions, client)
	}
}

func main() {
	flag.Parse()
	logging.Setup(*logLevel, "console")

	listen, err := netip.ParseAddrPort(*listenAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid listen address")
	}
	target, err := netip.ParseAddrPort(*targetAddr)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid target address")
	}
	if *dropRate < 0 || *dropRate > 1 {
		log.Fatal().Float64("droprate", *dropRate).Msg("drop rate must be within 0.0-1.0")
	}

	front, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(listen))
	if err != nil {
		log.Fatal().Err(err).Msg("binding gateway socket")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	group, gctx := errgroup.WithContext(ctx)
	g := &gateway{
		front:    front,
		target:   target,
		rate:     *dropRate,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
		sessions: make(map[netip.AddrPort]*net.UDPConn),
		group:    group,
	}
	log.Info().Stringer("listen", listen).Stringer("target", target).Float64("droprate", *dropRate).Msg("gateway started")

	group.Go(g.clientToServer)
	group.Go(func() error {
		<-gctx.Done()
		g.close()
		return nil
	})
	if err := group.Wait(); err != nil {
		log.Error().Err(err).Msg("gateway stopped")
		return
	}
	log.Info().Msg("gateway exiting")
}
