package lib

import (
	"context"
	"fmt"
	"net"
	"net/netip"

	"github.com/rs/zerolog/log"
	"golang.org/x/net/ipv4"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
)

const bindAttempts = 16

// Core owns the process-wide resources: the payload chunk pool and the client port pool.
// Servers and clients are created through it.
type Core struct {
	config   *config.Config
	portPool *PortPool
}

func NewCore(cfg *config.Config) (*Core, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	InitPool(cfg.PayloadPoolSize, cfg.PoolDebug)

	log.Debug().Int("pool", cfg.PayloadPoolSize).Int("workers", cfg.WorkerCount).Msg("transport core started")
	return &Core{
		config:   cfg,
		portPool: newPortPool(cfg.ClientPortLower, cfg.ClientPortUpper),
	}, nil
}

func (p *Core) Config() *config.Config {
	return p.config
}

// Listen binds a UDP socket on addr and returns a server ready to Serve.
func (p *Core) Listen(addr netip.AddrPort, handler ServerHandler) (*Server, error) {
	conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(addr))
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	p.tuneSocket(conn)
	return newServer(p.config, conn, handler), nil
}

// NewServer builds a server over an already bound datagram socket.
func (p *Core) NewServer(conn PacketConn, handler ServerHandler) *Server {
	return newServer(p.config, conn, handler)
}

// Dial binds a client port from the pool and connects to server. The port goes back to the
// pool when the client stops.
func (p *Core) Dial(ctx context.Context, server netip.AddrPort, identity []byte, handler ClientHandler) (*Client, error) {
	conn, port, err := p.bindClientPort()
	if err != nil {
		return nil, err
	}
	cl := newClient(p.config, conn, server, identity, handler)
	cl.onStop = func() {
		if err := p.portPool.returnPort(port); err != nil {
			log.Warn().Err(err).Int("port", port).Msg("returning client port")
		}
	}
	return p.open(ctx, cl)
}

// NewClient connects to server over an already bound datagram socket.
func (p *Core) NewClient(ctx context.Context, conn PacketConn, server netip.AddrPort, identity []byte, handler ClientHandler) (*Client, error) {
	return p.open(ctx, newClient(p.config, conn, server, identity, handler))
}

func (p *Core) open(ctx context.Context, cl *Client) (*Client, error) {
	cl.start()
	if err := cl.connect(ctx); err != nil {
		cl.terminate(nil)
		<-cl.stopped
		return nil, err
	}
	return cl, nil
}

func (p *Core) bindClientPort() (*net.UDPConn, int, error) {
	ip, err := netip.ParseAddr(p.config.ClientIP)
	if err != nil {
		return nil, 0, fmt.Errorf("client_ip %q: %w", p.config.ClientIP, err)
	}

	var lastErr error
	for i := 0; i < bindAttempts; i++ {
		port, err := p.portPool.allocatePort()
		if err != nil {
			return nil, 0, err
		}
		conn, err := net.ListenUDP("udp", net.UDPAddrFromAddrPort(netip.AddrPortFrom(ip, uint16(port))))
		if err != nil {
			lastErr = err
			p.portPool.returnPort(port)
			continue
		}
		p.tuneSocket(conn)
		return conn, port, nil
	}
	return nil, 0, fmt.Errorf("no bindable client port after %d attempts: %w", bindAttempts, lastErr)
}

// tuneSocket applies the configured TOS and TTL. Failures are logged, the socket still works.
func (p *Core) tuneSocket(conn *net.UDPConn) {
	pc := ipv4.NewConn(conn)
	if p.config.IPTOS > 0 {
		if err := pc.SetTOS(p.config.IPTOS); err != nil {
			log.Warn().Err(err).Int("tos", p.config.IPTOS).Msg("setting IP TOS")
		}
	}
	if p.config.IPTTL > 0 {
		if err := pc.SetTTL(p.config.IPTTL); err != nil {
			log.Warn().Err(err).Int("ttl", p.config.IPTTL).Msg("setting IP TTL")
		}
	}
}
