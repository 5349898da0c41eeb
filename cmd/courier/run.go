package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	xterm "golang.org/x/term"

	"courier/internal/broker"
	"courier/internal/config"
	"courier/internal/delivery"
	"courier/internal/event"
	"courier/internal/logging"
	"courier/internal/metrics"
	"courier/internal/term"
)

// newRunCmd creates the "courier run" subcommand: wrap one agent
// program and serve its injection pipeline until the child exits.
func newRunCmd() *cobra.Command {
	var (
		configPath string
		sessionID  string
		profile    string
		brokerURL  string
		ackDir     string
	)

	cmd := &cobra.Command{
		Use:   "run [flags] -- <command> [args...]",
		Short: "Wrap a program and inject broker messages into it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if sessionID != "" {
				cfg.Session = sessionID
			}
			if profile != "" {
				cfg.Profile = profile
			}
			if brokerURL != "" {
				cfg.Broker.URL = brokerURL
			}
			if ackDir != "" {
				cfg.AckDir = ackDir
			}
			return runSession(cmd.Context(), cfg, args)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to courier.yaml")
	cmd.Flags().StringVar(&sessionID, "session", "", "session id (recipient handle)")
	cmd.Flags().StringVar(&profile, "profile", "", "wrapped-program profile name")
	cmd.Flags().StringVar(&brokerURL, "broker-url", "", "broker websocket URL")
	cmd.Flags().StringVar(&ackDir, "ack-dir", "", "sidecar ack file directory")
	return cmd
}

func runSession(ctx context.Context, cfg config.Config, args []string) error {
	if cfg.Session == "" {
		cfg.Session = uuid.NewString()[:8]
	}
	level, _ := logging.ParseLevel(cfg.LogLevel)
	logger := logging.NewLogger(logging.NewLogBuffer(logging.DefaultBufferSize), level)
	prof := cfg.ActiveProfile()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ctrl, err := term.Start(nil, cfg.Session, args[0], args[1:], term.ControllerOptions{
		QuietPeriod:    prof.QuietPeriod(),
		Cooldown:       prof.Cooldown(),
		EchoWindowSize: prof.EchoWindowBytes,
		Logger:         logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = ctrl.Close() }()

	bus := event.NewBus[delivery.Event](ctx, event.BusOptions{
		Name:        "delivery_events",
		HistorySize: cfg.Broker.Replay,
	})

	pipe := delivery.NewPipeline(ctx, ctrl, bus, delivery.PipelineOptions{
		Session:         cfg.Session,
		EchoPolicy:      delivery.EchoPolicy(prof.EchoPolicy),
		CoalesceWindow:  prof.CoalesceWindow(),
		CoalesceMax:     prof.CoalesceMax(),
		VerifyTimeout:   prof.VerifyTimeout(),
		MaxAttempts:     prof.MaxAttempts,
		QueueCaps:       delivery.QueueCaps{MaxMessages: prof.QueueCapMessages, MaxBytes: prof.QueueCapBytes},
		BodyWords:       prof.BodyWords,
		ActivityMarkers: prof.ActivityMarkers,
		ActivityWindow:  prof.ActivityWindow(),
		Logger:          logger,
	})
	defer pipe.Close()

	registry := delivery.NewRegistry()
	registry.Add(cfg.Session, pipe)

	if cfg.AckDir != "" {
		ackWatcher, err := delivery.NewAckWatcher(cfg.AckDir, logger, registry.Broadcast)
		if err != nil {
			return fmt.Errorf("start ack watcher: %w", err)
		}
		defer func() { _ = ackWatcher.Close() }()
	}

	if cfg.Broker.URL != "" {
		client := broker.NewClient(ctx, bus, broker.Options{
			URL:    cfg.Broker.URL,
			Token:  cfg.Broker.Token,
			Replay: cfg.Broker.Replay,
			Logger: logger,
			OnSend: func(msg delivery.Message) {
				if err := registry.Route(msg); err != nil {
					logger.Warn("route send failed", map[string]string{"error": err.Error()})
				}
			},
			OnMcp: pipe.McpAck,
		})
		defer client.Close()
	}

	restore, err := setupTerminal(ctrl)
	if err != nil {
		logger.Warn("terminal setup", map[string]string{"error": err.Error()})
	}
	if restore != nil {
		defer restore()
	}

	go relayStdin(ctrl)
	go mirrorOutput(ctrl)

	signals := make(chan os.Signal, 4)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM, syscall.SIGWINCH, syscall.SIGUSR1)
	defer signal.Stop(signals)

	for {
		select {
		case <-ctrl.Done():
			return nil
		case sig := <-signals:
			switch sig {
			case syscall.SIGWINCH:
				resizeToTerminal(ctrl)
			case syscall.SIGUSR1:
				_ = metrics.Default.WritePrometheus(os.Stderr)
			default:
				return nil
			}
		}
	}
}

// setupTerminal puts the real terminal into raw mode so keystrokes pass
// through byte-for-byte, and sizes the PTY to match.
func setupTerminal(ctrl *term.Controller) (func(), error) {
	fd := int(os.Stdin.Fd())
	if !xterm.IsTerminal(fd) {
		return nil, nil
	}
	state, err := xterm.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("raw mode: %w", err)
	}
	resizeToTerminal(ctrl)
	return func() { _ = xterm.Restore(fd, state) }, nil
}

func resizeToTerminal(ctrl *term.Controller) {
	fd := int(os.Stdout.Fd())
	if !xterm.IsTerminal(fd) {
		return
	}
	cols, rows, err := xterm.GetSize(fd)
	if err != nil || cols <= 0 || rows <= 0 {
		return
	}
	_ = ctrl.Resize(uint16(cols), uint16(rows))
}

// relayStdin is the P0 passthrough: real-terminal bytes go straight to
// the child, stamping human activity on the way. Never queued, never
// gated.
func relayStdin(ctrl *term.Controller) {
	buf := make([]byte, 1024)
	for {
		n, err := os.Stdin.Read(buf)
		if n > 0 {
			if werr := ctrl.ForwardInput(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

func mirrorOutput(ctrl *term.Controller) {
	output, unsubscribe := ctrl.Subscribe()
	defer unsubscribe()
	for chunk := range output {
		if _, err := os.Stdout.Write(chunk); err != nil && err != io.ErrShortWrite {
			return
		}
	}
}
