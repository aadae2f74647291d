// Command aero-webrtc-mesh-chat joins a mesh through a signaling relay and
// broadcasts each stdin line to every connected participant.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/mesh"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/transport"
	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/webrtcpeer"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, err := config.LoadClient(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0
		}
		fmt.Fprintln(os.Stderr, err)
		return 2
	}

	// stdout carries the conversation, so logs go to stderr.
	logger, err := config.NewLogger(cfg.Logging, os.Stderr)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	slog.SetDefault(logger)

	api, err := webrtcpeer.NewAPI(cfg.WebRTC, logger)
	if err != nil {
		logger.Error("failed to configure webrtc", "err", err)
		return 2
	}

	m := mesh.New(mesh.Config{
		Transport: transport.Config{
			URL:               cfg.RelayURL,
			ReconnectDelay:    cfg.ReconnectDelay,
			MaxReconnectDelay: cfg.MaxReconnectDelay,
		},
		API:        api,
		ICEServers: cfg.ICEServers,
		Logger:     logger,
	})
	defer m.Close()

	out := newPrinter(os.Stdout, cfg.DisplayName)
	m.OnMessage(out.message)
	m.OnPeerJoined(out.joined)
	m.OnPeerLeft(out.left)
	m.OnRelayState(out.relayState)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("connecting to relay", "relay_url", cfg.RelayURL, "display_name", cfg.DisplayName)
	if err := m.Connect(ctx, cfg.DisplayName); err != nil {
		if ctx.Err() != nil {
			return 0
		}
		logger.Error("failed to connect to relay", "err", err)
		return 1
	}

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	for {
		select {
		case <-ctx.Done():
			return 0
		case line, ok := <-lines:
			if !ok {
				return 0
			}
			text := strings.TrimSpace(line)
			if text == "" {
				continue
			}
			out.sent(text, m.SendBroadcastMessage(text))
		}
	}
}

func readLines(f *os.File, lines chan<- string) {
	defer close(lines)
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines <- sc.Text()
	}
}
