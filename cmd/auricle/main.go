// Command auricle runs a headless session host against a capability bridge
// and a lease service. Session events stream to stdout as JSON lines; stdin
// lines become typed messages, with a few slash commands for capture control.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/auricle-ai/auricle/internal/dotenv"
	"github.com/auricle-ai/auricle/pkg/bridge"
	"github.com/auricle-ai/auricle/pkg/bridge/ws"
	"github.com/auricle-ai/auricle/pkg/core/config"
	"github.com/auricle-ai/auricle/pkg/core/lease"
	"github.com/auricle-ai/auricle/pkg/core/session"
)

const version = "0.1.0"

// eventEnvelope is the stdout framing for one session event.
type eventEnvelope struct {
	Type string        `json:"type"`
	Data session.Event `json:"data"`
}

func run(ctx context.Context, logger *slog.Logger, stdin io.Reader, stdout io.Writer) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	leaseClient, err := lease.NewClient(cfg.LeaseBaseURL,
		lease.WithAuthToken(cfg.LeaseAuthToken),
		lease.WithMaxRetries(cfg.LeaseMaxRetries))
	if err != nil {
		return fmt.Errorf("lease client: %w", err)
	}

	br, err := newBridge(cfg, logger)
	if err != nil {
		return fmt.Errorf("bridge: %w", err)
	}

	ctrl := session.New(session.Config{
		OwnerID:              cfg.OwnerID,
		SettleDelay:          cfg.SettleDelay,
		ConnectTimeout:       cfg.ConnectTimeout,
		ReadyTimeout:         cfg.ReadyTimeout,
		CommandTimeout:       cfg.CommandTimeout,
		EndTimeout:           cfg.EndTimeout,
		HeartbeatInterval:    cfg.HeartbeatInterval,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		RevertModeOnFailure:  cfg.RevertModeOnFailure,
		EventBuffer:          cfg.EventBuffer,
	}, br, leaseClient, logger, nil)

	if err := ctrl.Activate(ctx); err != nil {
		return fmt.Errorf("activate: %w", err)
	}

	enc := json.NewEncoder(stdout)
	streamDone := make(chan struct{})
	go func() {
		defer close(streamDone)
		for ev := range ctrl.Events() {
			if err := enc.Encode(eventEnvelope{Type: ev.EventType(), Data: ev}); err != nil {
				logger.Warn("encode event failed", slog.Any("error", err))
			}
		}
	}()

	go readCommands(stdin, logger, ctrl)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", slog.String("signal", sig.String()))
		ctrl.Shutdown(lease.ReasonNormal)
	case <-ctx.Done():
		ctrl.Shutdown(lease.ReasonNormal)
	case <-ctrl.Done():
	}

	<-ctrl.Done()
	<-streamDone
	return nil
}

// newBridge selects the transport. "demo" runs against the scripted
// in-process bridge; anything else is treated as a WebSocket endpoint.
func newBridge(cfg config.Config, logger *slog.Logger) (bridge.Bridge, error) {
	if cfg.BridgeURL == "demo" {
		return newDemoBridge(), nil
	}
	return ws.New(ws.Options{
		URL:           cfg.BridgeURL,
		ClientName:    "auricle",
		ClientVersion: version,
		Logger:        logger,
	})
}

// readCommands turns stdin lines into session commands. Plain lines are sent
// as typed messages; slash commands drive capture and lifecycle.
func readCommands(stdin io.Reader, logger *slog.Logger, ctrl *session.Controller) {
	scanner := bufio.NewScanner(stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var err error
		switch {
		case line == "/quit":
			ctrl.Shutdown(lease.ReasonNormal)
			return
		case line == "/reconnect":
			err = ctrl.Reconnect()
		case line == "/mode system":
			err = ctrl.SetCaptureMode(bridge.AudioModeSystem)
		case line == "/mode mic":
			err = ctrl.SetCaptureMode(bridge.AudioModeMicrophone)
		case strings.HasPrefix(line, "/device "):
			err = ctrl.SetCaptureDevice(strings.TrimSpace(strings.TrimPrefix(line, "/device ")))
		case strings.HasPrefix(line, "/"):
			logger.Warn("unknown command", slog.String("line", line))
		default:
			err = ctrl.SendMessage(line)
		}
		if err != nil {
			logger.Warn("command failed", slog.String("line", line), slog.Any("error", err))
		}
	}
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "auricle: %v\n", err)
		os.Exit(1)
	}
	if err := run(context.Background(), logger, os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "auricle: %v\n", err)
		os.Exit(1)
	}
}
