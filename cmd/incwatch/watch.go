package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/incbuild/incwatch/internal/bus"
	"github.com/incbuild/incwatch/internal/journal"
	"github.com/incbuild/incwatch/internal/poller"
	"github.com/incbuild/incwatch/internal/stream"
	"github.com/incbuild/incwatch/internal/ui"
	"github.com/spf13/cobra"
)

var watchCmd = &cobra.Command{
	Use:     "watch",
	GroupID: "watch",
	Short:   "Poll the daemon and print events as they happen",
	Long: `Query the daemon every watch.poll_interval and print each event.

The since clock is carried from cycle to cycle and, with the journal
enabled, across restarts. Editing the config file takes effect on the
next cycle.

Examples:
  incwatch watch
  incwatch watch --interval 250ms --exclude node_modules
  incwatch watch --stream --port 9000`,
	Run: func(cmd *cobra.Command, args []string) {
		withStream, _ := cmd.Flags().GetBool("stream")
		runLoop(cmd, loopOptions{print: true, stream: withStream, component: "watch"})
	},
}

var serveCmd = &cobra.Command{
	Use:     "serve",
	GroupID: "watch",
	Short:   "Poll the daemon and stream events over WebSocket",
	Long: `Run the poll loop and broadcast every event to WebSocket clients.

Messages are JSON text frames:
  hello        sent once on connect
  watch_event  {"kind":"create","path":"src/main.go"}
  cycle        clock, fresh instance, overflow, event count, error

Endpoints:
  ws://localhost:8765/ws
  http://localhost:8765/health`,
	Run: func(cmd *cobra.Command, args []string) {
		runLoop(cmd, loopOptions{stream: true, component: "serve"})
	},
}

type loopOptions struct {
	print     bool
	stream    bool
	component string
}

// runLoop wires bus, journal and stream server around a poller and runs
// it until interrupted.
func runLoop(cmd *cobra.Command, opts loopOptions) {
	s := mustSettings()
	logger := newLogger(s, opts.component)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	b := bus.New()
	if opts.print {
		b.Subscribe(printer(os.Stdout))
	}

	cfg := poller.Config{
		Settings: s,
		Sink:     b,
		Logger:   logger.Named("poller"),
	}

	if s.Journal.Enabled {
		j, err := journal.Open(s.Journal.Path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
			os.Exit(1)
		}
		defer j.Close()
		cfg.Journal = j

		if cfg.Since, err = j.LastClock(ctx); err != nil {
			logger.Warnf("Starting without a clock: %v", err)
		}
	}

	if opts.stream {
		port := s.Stream.Port
		if cmd.Flags().Changed("port") {
			port, _ = cmd.Flags().GetInt("port")
		}
		server := stream.NewServer(&stream.Config{
			Port:   port,
			Logger: logger.Named("stream").Std(),
		})
		if err := server.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start stream server: %v\n", err)
			os.Exit(1)
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Errorf("Stream server shutdown: %v", err)
			}
		}()

		b.Subscribe(server)
		cfg.Observers = append(cfg.Observers, server)
		fmt.Fprintf(os.Stderr, "%s Streaming on ws://%s/ws\n", ui.RenderAccent("●"), server.Addr())
	}

	if s.File != "" {
		cfg.ConfigFile = s.File
		cfg.Load = loadSettings
	}

	p, err := poller.New(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	root, _ := s.AbsRoot()
	fmt.Fprintf(os.Stderr, "%s Watching %s every %s\n", ui.RenderAccent("●"), root, s.Watch.PollInterval)
	if cfg.Since != "" {
		fmt.Fprintf(os.Stderr, "   Resuming from %s\n", ui.RenderMuted(cfg.Since))
	}
	fmt.Fprintf(os.Stderr, "\nPress Ctrl+C to stop\n\n")
	logger.Debugf("Delivering events to %d subscribers", b.SubscriberCount())

	if err := p.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Fprintf(os.Stderr, "\n%s Stopped after %d cycles, %d events\n", ui.RenderPass("✓"), p.Cycles(), b.Published())
}

func init() {
	watchCmd.Flags().Bool("stream", false, "also broadcast events over WebSocket")
	watchCmd.Flags().IntP("port", "p", 0, "stream port (default: stream.port)")
	serveCmd.Flags().IntP("port", "p", 0, "port to listen on (default: stream.port)")

	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(serveCmd)
}
