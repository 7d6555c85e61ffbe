package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/lib"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/logging"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/shared"
)

var (
	configFile = flag.String("config", "config.yaml", "path to the YAML configuration")
	userName   = flag.String("name", "", "chat name; asked on stdin when empty")
)

func printChat(text []byte) {
	fmt.Print("\033[H\033[2J")
	fmt.Println("---------------- CHATROOM ----------------")
	fmt.Println(string(text))
	fmt.Print("------------------------------------------\n>> ")
}

func askName(in *bufio.Scanner) (string, error) {
	for {
		fmt.Print("Enter your username: ")
		if !in.Scan() {
			if err := in.Err(); err != nil {
				return "", err
			}
			return "", errors.New("no username given")
		}
		name := strings.TrimSpace(in.Text())
		if name != "" && !shared.ReservedName(name) {
			return name, nil
		}
		fmt.Println("Invalid username. Please try again.")
	}
}

// runCommand acts on one typed line. It returns false once the session is over.
func runCommand(ctx context.Context, cfg *config.Config, cl *lib.Client, line string) bool {
	cmd := shared.ParseCommand(line)
	var err error
	switch cmd.Kind {
	case shared.Message:
		if cmd.Arg == "" {
			return true
		}
		err = cl.Send(ctx, []byte(cmd.Arg), lib.MsgData)
	case shared.Change:
		err = cl.Send(ctx, []byte(shared.RenameLine(cmd.Arg)), lib.MsgCommand)
	case shared.Kill:
		if cfg.KillSecret != "" && cmd.Arg != cfg.KillSecret {
			err = cl.ReportFailedKill()
		} else {
			err = cl.Kill(cmd.Arg)
		}
	case shared.Disconnect:
		if err := cl.Leave(ctx); err != nil {
			log.Warn().Err(err).Msg("leaving")
		}
		return false
	default:
		fmt.Println("Unknown command.")
	}
	if err != nil {
		log.Warn().Err(err).Stringer("command", cmd.Kind).Msg("sending")
		return !errors.Is(err, lib.ErrConnectionClosed)
	}
	return true
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

	in := bufio.NewScanner(os.Stdin)
	name := *userName
	if name == "" || shared.ReservedName(name) {
		if name, err = askName(in); err != nil {
			log.Fatal().Err(err).Msg("reading username")
		}
	}

	core, err := lib.NewCore(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("creating transport core")
	}
	ip, err := netip.ParseAddr(cfg.ServerIP)
	if err != nil {
		log.Fatal().Err(err).Str("server_ip", cfg.ServerIP).Msg("invalid server address")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var chat lib.Assembler
	cl, err := core.Dial(ctx, netip.AddrPortFrom(ip, uint16(cfg.ServerPort)), []byte(name), func(ev lib.ClientEvent) {
		if ev.Terminated() {
			chat.Reset()
			fmt.Println("\nServer terminated the connection")
			return
		}
		if text, ok := chat.Add(ev.Payload, ev.DeclaredLength); ok {
			printChat(text)
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to server")
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		for in.Scan() {
			lines <- in.Text()
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			if err := cl.Leave(context.Background()); err != nil {
				log.Warn().Err(err).Msg("leaving")
			}
			break loop
		case <-cl.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				if err := cl.Leave(ctx); err != nil {
					log.Warn().Err(err).Msg("leaving")
				}
				break loop
			}
			if !runCommand(ctx, cfg, cl, line) {
				break loop
			}
		}
	}

	cl.Close()
	if err := cl.Wait(); err != nil && !errors.Is(err, lib.ErrTerminated) {
		log.Error().Err(err).Msg("client stopped")
	}
}
