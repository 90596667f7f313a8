package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
)

// Prompt asks for the commonly edited settings, starting from s.
func Prompt(s Settings) (Settings, error) {
	root := s.Watch.Root
	excluded := strings.Join(s.Watch.ExcludedDirectories, ", ")
	threshold := strconv.Itoa(s.Watch.OverflowThreshold)
	interval := s.Watch.PollInterval.String()
	journal := s.Journal.Enabled
	rescan := s.Watch.FreshInstanceRescan

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Watch root").
				Description("Directory watched by the daemon").
				Value(&root),
			huh.NewInput().
				Title("Excluded directories").
				Description("Comma separated; changes at or under these are ignored").
				Value(&excluded),
			huh.NewInput().
				Title("Overflow threshold").
				Description("More changes than this collapse into one overflow event").
				Validate(func(v string) error {
					_, err := strconv.Atoi(strings.TrimSpace(v))
					return err
				}).
				Value(&threshold),
			huh.NewInput().
				Title("Poll interval").
				Validate(func(v string) error {
					d, err := time.ParseDuration(strings.TrimSpace(v))
					if err == nil && d <= 0 {
						return fmt.Errorf("must be positive")
					}
					return err
				}).
				Value(&interval),
		),
		huh.NewGroup(
			huh.NewConfirm().
				Title("Treat a restarted daemon as overflow?").
				Value(&rescan),
			huh.NewConfirm().
				Title("Record events in the journal?").
				Value(&journal),
		),
	)
	if err := form.Run(); err != nil {
		return Settings{}, err
	}

	s.Watch.Root = strings.TrimSpace(root)
	s.Watch.ExcludedDirectories = SplitList(excluded)
	s.Watch.OverflowThreshold, _ = strconv.Atoi(strings.TrimSpace(threshold))
	s.Watch.PollInterval, _ = time.ParseDuration(strings.TrimSpace(interval))
	s.Watch.FreshInstanceRescan = rescan
	s.Journal.Enabled = journal
	return s, s.Validate()
}

// SplitList splits a comma separated list, dropping blanks.
func SplitList(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
