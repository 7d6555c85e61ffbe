package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/lib"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/logging"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/shared"
)

const maxChatLines = 50

var configFile = flag.String("config", "config.yaml", "path to the YAML configuration")

type member struct {
	name      string
	assembler lib.Assembler
}

// chatRoom keeps the recent chat history and who is in the room.
// Every change marks the log dirty; a single broadcaster pushes it to all members.
type chatRoom struct {
	mu      sync.Mutex
	lines   []string
	members map[netip.AddrPort]*member
	dirty   chan struct{}
}

func newChatRoom() *chatRoom {
	return &chatRoom{
		members: make(map[netip.AddrPort]*member),
		dirty:   make(chan struct{}, 1),
	}
}

func stamp(ts time.Time) string {
	return ts.Format(time.TimeOnly)
}

// addLine appends a line to the history. Caller holds r.mu.
func (r *chatRoom) addLine(line string) {
	r.lines = append(r.lines, line)
	if len(r.lines) > maxChatLines {
		r.lines = r.lines[len(r.lines)-maxChatLines:]
	}
	fmt.Println(line)
	select {
	case r.dirty <- struct{}{}:
	default:
	}
}

func (r *chatRoom) nameOf(peer netip.AddrPort) string {
	if m, ok := r.members[peer]; ok {
		return m.name
	}
	return peer.String()
}

// handle runs on the server's event goroutine.
func (r *chatRoom) handle(ev lib.ServerEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch ev.Type {
	case lib.MsgJoin:
		name := string(ev.Payload)
		if name == "" || shared.ReservedName(name) {
			name = ev.Peer.String()
		}
		r.members[ev.Peer] = &member{name: name}
		r.addLine(fmt.Sprintf("SERVER [%s]: %s has joined the chatroom!", stamp(ev.Timestamp), name))

	case lib.MsgLeave:
		if errors.Is(ev.Err, lib.ErrTeardownAckMismatch) {
			log.Warn().Err(ev.Err).Stringer("peer", ev.Peer).Msg("leave did not complete")
			return
		}
		name := r.nameOf(ev.Peer)
		delete(r.members, ev.Peer)
		if errors.Is(ev.Err, lib.ErrHeartbeatExpired) {
			r.addLine(fmt.Sprintf("SERVER [%s]: %s was AFK and has been kicked!", stamp(ev.Timestamp), name))
			return
		}
		r.addLine(fmt.Sprintf("SERVER [%s]: %s has left the chat!", stamp(ev.Timestamp), name))

	case lib.MsgData:
		m, ok := r.members[ev.Peer]
		if !ok {
			return
		}
		msg, complete := m.assembler.Add(ev.Payload, ev.DeclaredLength)
		if !complete {
			return
		}
		r.addLine(fmt.Sprintf("%s [%s]: %s", m.name, stamp(ev.Timestamp), msg))

	case lib.MsgCommand:
		m, ok := r.members[ev.Peer]
		if !ok {
			return
		}
		cmd := shared.ParseCommand(string(ev.Payload))
		if cmd.Kind != shared.Change || shared.ReservedName(cmd.Arg) {
			log.Warn().Stringer("peer", ev.Peer).Stringer("command", cmd.Kind).Msg("command not accepted")
			return
		}
		old := m.name
		m.name = cmd.Arg
		for i, line := range r.lines {
			r.lines[i] = strings.ReplaceAll(line, old, cmd.Arg)
		}
		r.addLine(fmt.Sprintf("SERVER [%s]: %s is now known as %s", stamp(ev.Timestamp), old, cmd.Arg))

	case lib.MsgFailedKill:
		r.addLine(fmt.Sprintf("SERVER [%s]: Nice try %s...", stamp(ev.Timestamp), r.nameOf(ev.Peer)))

	case lib.MsgKill:
		log.Warn().Str("by", r.nameOf(ev.Peer)).Msg("kill accepted, closing the room")
	}
}

// chatLog renders the history, dropping the oldest lines until it fits one message.
func (r *chatRoom) chatLog() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	lines := r.lines
	for {
		text := strings.Join(lines, "\n")
		if len(text) < lib.MaxMessageLength || len(lines) == 0 {
			return []byte(text)
		}
		lines = lines[1:]
	}
}

func (r *chatRoom) broadcastLoop(ctx context.Context, srv *lib.Server) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-srv.Done():
			return
		case <-r.dirty:
		}
		if err := srv.Broadcast(ctx, r.chatLog(), lib.MsgData); err != nil {
			log.Warn().Err(err).Msg("broadcasting chat log")
		}
	}
}

func main() {
	flag.Parse()

	cfg, err := config.ReadConfig(*configFile)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "Configuration file error:", err)
			os.Exit(1)
		}
		cfg = config.DefaultConfig()
	}
	config.AppConfig = cfg
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating transport core")
	}

	ip, err := netip.ParseAddr(cfg.ServerIP)
	if err != nil {
		log.Fatal().Err(err).Str("server_ip", cfg.ServerIP).Msg("invalid server address")
	}
	room := newChatRoom()
	srv, err := core.Listen(netip.AddrPortFrom(ip, uint16(cfg.ServerPort)), room.handle)
	if err != nil {
		log.Fatal().Err(err).Msg("starting relay")
	}
	log.Info().Stringer("addr", srv.Addr()).Msg("relay listening")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go room.broadcastLoop(ctx, srv)

	err = srv.Serve(ctx)
	switch {
	case errors.Is(err, lib.ErrTerminated):
		log.Info().Msg("relay killed by a client")
	case err != nil:
		log.Error().Err(err).Msg("relay stopped")
	default:
		log.Info().Msg("relay stopped")
	}
}
