package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/incbuild/incwatch/internal/config"
	"github.com/incbuild/incwatch/internal/journal"
	"github.com/incbuild/incwatch/internal/poller"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/spf13/cobra"
)

var queryCmd = &cobra.Command{
	Use:     "query",
	GroupID: "watch",
	Short:   "Run one query cycle and print the events",
	Long: `Ask the daemon for changes once and print the resulting events.

Without --since or --resume the daemon reports every file it knows about,
which is a fresh instance; with watch.fresh_instance_rescan set (the
default) that prints a single overflow event.

The exit status is 2 when the cycle failed. If the failure means the
daemon's answer cannot be trusted, the overflow event is printed first.

Examples:
  incwatch query                      # everything, as a fresh instance
  incwatch query --resume             # changes since the last journaled cycle
  incwatch query --since c:1:2:3:4    # changes since a daemon clock
  incwatch query --output json`,
	Run: func(cmd *cobra.Command, args []string) {
		var opts queryOptions
		opts.since, _ = cmd.Flags().GetString("since")
		opts.resume, _ = cmd.Flags().GetBool("resume")
		opts.output, _ = cmd.Flags().GetString("output")
		opts.timeout, _ = cmd.Flags().GetDuration("timeout")

		if code := runQuery(mustSettings(), opts, os.Stdout, os.Stderr); code != 0 {
			os.Exit(code)
		}
	},
}

type queryOptions struct {
	since   string
	resume  bool
	output  string
	timeout time.Duration
}

// runQuery runs one cycle and prints its events. It returns the exit
// code: 1 for setup errors, 2 when the cycle failed.
func runQuery(s config.Settings, opts queryOptions, stdout, stderr io.Writer) int {
	logger := newLogger(s, "query")

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	// res.Events carries what the sink saw
	cfg := poller.Config{
		Settings: s,
		Sink:     watchman.SinkFunc(func(watchman.Event) {}),
		Since:    opts.since,
		Logger:   logger,
	}

	if s.Journal.Enabled {
		j, err := journal.Open(s.Journal.Path)
		if err != nil {
			fmt.Fprintf(stderr, "Error opening journal: %v\n", err)
			return 1
		}
		defer j.Close()
		cfg.Journal = j

		if opts.resume && opts.since == "" {
			if cfg.Since, err = j.LastClock(ctx); err != nil {
				fmt.Fprintf(stderr, "Error reading last clock: %v\n", err)
				return 1
			}
		}
	}

	p, err := poller.New(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	res, cycleErr := p.Cycle(ctx)
	if res != nil {
		if err := writeResult(stdout, res, opts.output); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	if cycleErr != nil {
		fmt.Fprintf(stderr, "Error: query failed: %v\n", cycleErr)
		if watchman.IsRescanRequired(cycleErr) {
			fmt.Fprintf(stderr, "No usable change information; rebuild everything\n")
		}
		return 2
	}
	return 0
}

func init() {
	queryCmd.Flags().String("since", "", "daemon clock to query from")
	queryCmd.Flags().Bool("resume", false, "query from the clock of the last journaled cycle")
	queryCmd.Flags().StringP("output", "o", "text", "output format (text, json, yaml)")
	queryCmd.Flags().Duration("timeout", 30*time.Second, "give up after this long")

	rootCmd.AddCommand(queryCmd)
}
