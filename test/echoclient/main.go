package main

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/config"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/lib"
	"github.com/FityatulhaqRosyidi/tugas-besar-if2230-jaringan-komputer-bangkasinapasdikitnapa/logging"
)

func main() {
	server := flag.String("server", "127.0.0.1:8901", "echo server address")
	packetInterval := flag.Duration("interval", 500*time.Millisecond, "interval between messages (e.g., 500ms, 1s)")
	size := flag.Int("size", 200, "message size in bytes; anything over 64 spans several segments")
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

	addr, err := netip.ParseAddrPort(*server)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid server address")
	}
	core, err := lib.NewCore(config.AppConfig)
	if err != nil {
		log.Fatal().Err(err).Msg("creating transport core")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	echoes := make(chan []byte, 16)
	var assembler lib.Assembler
	cl, err := core.Dial(ctx, addr, []byte("echoclient"), func(ev lib.ClientEvent) {
		if msg, ok := assembler.Add(ev.Payload, ev.DeclaredLength); ok && !ev.Terminated() {
			select {
			case echoes <- msg:
			default:
			}
		}
	})
	if err != nil {
		log.Fatal().Err(err).Msg("error connecting")
	}
	fmt.Printf("Sending %d-byte messages every %v (press Ctrl+C to exit)...\n", *size, *packetInterval)

	successCount, failureCount, packetCount := 0, 0, 0
	ticker := time.NewTicker(*packetInterval)
	defer ticker.Stop()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-cl.Done():
			log.Warn().AnErr("reason", cl.Err()).Msg("server closed the connection")
			break loop
		case <-ticker.C:
			packetCount++
			prefix := fmt.Sprintf("Echo message %d ", packetCount)
			message := append([]byte(prefix), bytes.Repeat([]byte("."), max(*size-len(prefix), 0))...)

			if err := cl.Send(ctx, message, lib.MsgData); err != nil {
				log.Warn().Err(err).Int("n", packetCount).Msg("error writing")
				failureCount++
				continue
			}
			select {
			case got := <-echoes:
				if bytes.Equal(got, message) {
					successCount++
				} else {
					log.Warn().Int("n", packetCount).Int("got", len(got)).Int("want", len(message)).Msg("echo mismatch")
					failureCount++
				}
			case <-time.After(*packetInterval + 100*time.Millisecond):
				log.Warn().Int("n", packetCount).Msg("read timeout")
				failureCount++
			}
		}
	}

	fmt.Printf("\n=== Echo Client Statistics ===\n")
	fmt.Printf("Total messages sent: %d\n", packetCount)
	fmt.Printf("Successful echoes: %d\n", successCount)
	fmt.Printf("Failed echoes: %d\n", failureCount)
	if packetCount > 0 {
		fmt.Printf("Success rate: %.1f%%\n", float64(successCount)/float64(packetCount)*100)
	}

	if err := cl.Leave(context.Background()); err != nil {
		cl.Close()
	}
	cl.Wait()
	fmt.Println("Echo client exit")
}
