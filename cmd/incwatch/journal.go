package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/incbuild/incwatch/internal/journal"
	"github.com/incbuild/incwatch/internal/ui"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/spf13/cobra"
)

var journalCmd = &cobra.Command{
	Use:     "journal",
	GroupID: "history",
	Short:   "Inspect recorded query cycles and events",
	Long: `The journal is a SQLite database (.incwatch/journal.db by default)
holding every cycle run by query, watch and serve, with its events.

--since accepts RFC 3339 times, Go durations meaning "that long ago"
(90m, 24h) and phrases such as "yesterday" or "2 hours ago".`,
}

var journalListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recorded events",
	Run: func(cmd *cobra.Command, args []string) {
		filter, err := journalFilter(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		j := mustOpenJournal()
		defer j.Close()

		entries, err := j.ListEvents(context.Background(), filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing events: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("No events recorded")
			return
		}

		for _, e := range entries {
			kind, _ := watchman.ParseKind(e.Kind)
			fmt.Printf("%s  %s\n",
				ui.RenderMuted(e.StartedAt.Local().Format("2006-01-02 15:04:05")),
				ui.RenderEvent(watchman.Event{Kind: kind, Path: e.Path}))
		}
	},
}

var journalCyclesCmd = &cobra.Command{
	Use:   "cycles",
	Short: "List recent query cycles, newest first",
	Run: func(cmd *cobra.Command, args []string) {
		limit, _ := cmd.Flags().GetInt("limit")

		j := mustOpenJournal()
		defer j.Close()

		cycles, err := j.ListCycles(context.Background(), limit)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error listing cycles: %v\n", err)
			os.Exit(1)
		}
		if len(cycles) == 0 {
			fmt.Println("No cycles recorded")
			return
		}
		printCycles(os.Stdout, cycles)
	},
}

// printCycles writes one line per cycle: time, id, clock, event count,
// duration and any fresh-instance, overflow or error marker.
func printCycles(w io.Writer, cycles []journal.Cycle) {
	for _, c := range cycles {
		clock := c.Clock
		if clock == "" {
			clock = "-"
		}
		line := fmt.Sprintf("%s  #%-4d %-24s %3d events  %s",
			ui.RenderMuted(c.StartedAt.Local().Format("2006-01-02 15:04:05")),
			c.ID, clock, c.EventCount, c.Duration.Round(time.Millisecond))
		if c.FreshInstance {
			line += "  " + ui.RenderWarn("fresh")
		}
		if c.Overflowed {
			line += "  " + ui.RenderKind(watchman.KindOverflow)
		}
		if c.Error != "" {
			line += "  " + ui.RenderFail("error: "+c.Error)
		}
		fmt.Fprintln(w, line)
	}
}

var journalStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show journal totals",
	Run: func(cmd *cobra.Command, args []string) {
		j := mustOpenJournal()
		defer j.Close()

		stats, err := j.Stats(context.Background())
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading stats: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("\n%s Journal %s\n\n", ui.RenderAccent("●"), j.Path())
		fmt.Printf("Cycles:          %d\n", stats.Cycles)
		if stats.FailedCycles > 0 {
			fmt.Printf("Failed cycles:   %s\n", ui.RenderFail(fmt.Sprint(stats.FailedCycles)))
		} else {
			fmt.Printf("Failed cycles:   0\n")
		}
		fmt.Printf("Overflows:       %d\n", stats.Overflows)
		fmt.Printf("Fresh instances: %d\n", stats.FreshInstances)

		kinds := make([]string, 0, len(stats.EventsByKind))
		for k := range stats.EventsByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			kind, _ := watchman.ParseKind(k)
			fmt.Printf("  %s %d\n", ui.RenderKind(kind), stats.EventsByKind[k])
		}
		if stats.LastCycle != nil {
			fmt.Printf("Last cycle:      %s\n", stats.LastCycle.Local().Format("2006-01-02 15:04:05"))
		}
		fmt.Println()
	},
}

var journalExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export recorded events as JSON lines",
	Run: func(cmd *cobra.Command, args []string) {
		filter, err := journalFilter(cmd)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		path, _ := cmd.Flags().GetString("file")

		j := mustOpenJournal()
		defer j.Close()

		ctx := context.Background()
		if path == "" || path == "-" {
			if _, err := j.ExportJSONL(ctx, os.Stdout, filter); err != nil {
				fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
				os.Exit(1)
			}
			return
		}

		n, err := j.ExportFile(ctx, path, filter)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error exporting: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Exported %d events to %s\n", ui.RenderPass("✓"), n, path)
	},
}

var journalPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete cycles older than --before",
	Run: func(cmd *cobra.Command, args []string) {
		before, _ := cmd.Flags().GetString("before")
		cutoff, err := journal.ParseSince(before, time.Now())
		if err != nil || cutoff.IsZero() {
			fmt.Fprintf(os.Stderr, "Error: --before needs a time, e.g. 168h or \"last week\"\n")
			os.Exit(1)
		}

		j := mustOpenJournal()
		defer j.Close()

		n, err := j.Prune(context.Background(), cutoff)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s Pruned %d cycles started before %s\n", ui.RenderPass("✓"), n, cutoff.Local().Format(time.RFC3339))
	},
}

func mustOpenJournal() *journal.DB {
	s := mustSettings()
	if _, err := os.Stat(s.Journal.Path); os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "%s No journal at %s\n", ui.RenderWarn("⚠"), s.Journal.Path)
		fmt.Fprintf(os.Stderr, "   Run 'incwatch watch' or 'incwatch query' to record cycles\n")
		os.Exit(1)
	}
	j, err := journal.Open(s.Journal.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening journal: %v\n", err)
		os.Exit(1)
	}
	return j
}

// journalFilter builds a filter from the --since, --kind, --prefix and
// --limit flags of cmd.
func journalFilter(cmd *cobra.Command) (journal.Filter, error) {
	var f journal.Filter

	if since, _ := cmd.Flags().GetString("since"); since != "" {
		t, err := journal.ParseSince(since, time.Now())
		if err != nil {
			return f, err
		}
		f.Since = t
	}
	if name, _ := cmd.Flags().GetString("kind"); name != "" {
		kind, ok := watchman.ParseKind(name)
		if !ok {
			return f, fmt.Errorf("unknown kind %q (want create, modify, delete or overflow)", name)
		}
		f.Kind = &kind
	}
	f.PathPrefix, _ = cmd.Flags().GetString("prefix")
	f.Limit, _ = cmd.Flags().GetInt("limit")
	return f, nil
}

func addFilterFlags(cmd *cobra.Command, limit int) {
	cmd.Flags().String("since", "", "only events from cycles at or after this time")
	cmd.Flags().String("kind", "", "only events of this kind")
	cmd.Flags().String("prefix", "", "only paths starting with this prefix")
	cmd.Flags().Int("limit", limit, "keep at most this many of the newest events (0 = all)")
}

func init() {
	addFilterFlags(journalListCmd, 50)
	addFilterFlags(journalExportCmd, 0)
	journalCyclesCmd.Flags().Int("limit", 20, "show at most this many cycles (0 = all)")
	journalExportCmd.Flags().StringP("file", "f", "", "write to this file instead of stdout")
	journalPruneCmd.Flags().String("before", "", "cutoff time (required)")
	_ = journalPruneCmd.MarkFlagRequired("before")

	journalCmd.AddCommand(journalListCmd)
	journalCmd.AddCommand(journalCyclesCmd)
	journalCmd.AddCommand(journalStatsCmd)
	journalCmd.AddCommand(journalExportCmd)
	journalCmd.AddCommand(journalPruneCmd)
	rootCmd.AddCommand(journalCmd)
}
