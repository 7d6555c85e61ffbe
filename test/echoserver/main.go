package main

import (
	"context"
	"errors"
	"flag"
	"net/netip"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/lib"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/logging"
)

type echoRequest struct {
	peer netip.AddrPort
	msg  []byte
}

func main() {
	listen := flag.String("listen", "127.0.0.1:8901", "address to serve echoes on")
	flag.Parse()

	var err error
	config.AppConfig, err = config.ReadConfig("config.yaml")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Fatal().Err(err).Msg("configuration file error")
		}
		config.AppConfig = config.DefaultConfig()
	}
	logging.Setup(config.AppConfig.LogLevel, config.AppConfig.LogFormat)

	addr, err := netip.ParseAddrPort(*listen)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid listen address")
	}
	core, err := lib.NewCore(config.AppConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("creating transport core")
	}

	// reassembly runs on the event goroutine, sending on its own so the handler never blocks
	requests := make(chan echoRequest, 64)
	assemblers := make(map[netip.AddrPort]*lib.Assembler)
	srv, err := core.Listen(addr, func(ev lib.ServerEvent) {
		switch ev.Type {
		case lib.MsgJoin:
			assemblers[ev.Peer] = &lib.Assembler{}
			log.Info().Stringer("peer", ev.Peer).Str("identity", string(ev.Payload)).Msg("new connection")
		case lib.MsgLeave:
			delete(assemblers, ev.Peer)
			log.Info().Stringer("peer", ev.Peer).AnErr("reason", ev.Err).Msg("connection closed")
		case lib.MsgData:
			a, ok := assemblers[ev.Peer]
			if !ok {
				return
			}
			if msg, ok := a.Add(ev.Payload, ev.DeclaredLength); ok {
				select {
				case requests <- echoRequest{peer: ev.Peer, msg: msg}:
				default:
					log.Warn().Stringer("peer", ev.Peer).Msg("echo queue full, dropping message")
				}
			}
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("listen error")
	}
	log.Info().Stringer("addr", srv.Addr()).Msg("echo server listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		for {
			select {
			case <-srv.Done():
				return
			case req := <-requests:
				log.Debug().Stringer("peer", req.peer).Int("bytes", len(req.msg)).Msg("echoing")
				if err := srv.Send(ctx, req.peer, req.msg, lib.MsgData); err != nil {
					log.Warn().Err(err).Stringer("peer", req.peer).Msg("write error")
				}
			}
		}
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Error().Err(err).Msg("echo server stopped")
	}
}
