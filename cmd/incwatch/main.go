package main

import (
	"fmt"
	"os"

	"github.com/incbuild/incwatch/internal/config"
	"github.com/incbuild/incwatch/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "dev"

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "incwatch",
	Short: "Incremental change detection on top of the watchman daemon",
	Long: `incwatch asks a running watchman daemon which files changed, drops
paths under excluded directories, and turns the rest into create, modify
and delete events for incremental builds. Large change sets collapse into
a single overflow event that asks for a full rescan.

Configuration is read from incwatch.toml (or .yaml/.json) in the current
directory or .incwatch/, from INCWATCH_* environment variables, and from
flags, in increasing order of precedence.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "watch", Title: "Watching:"},
		&cobra.Group{ID: "history", Title: "History:"},
		&cobra.Group{ID: "setup", Title: "Setup:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&cfgFile, "config", "c", "", "config file (default: incwatch.* in . or .incwatch/)")
	flags.String("root", "", "watch root")
	flags.StringSlice("exclude", nil, "excluded directory, relative to the root (repeatable)")
	flags.Int("threshold", 0, "overflow threshold")
	flags.Duration("interval", 0, "poll interval")
	flags.String("log-level", "", "log level (debug, info, warn, error)")
	flags.String("log-file", "", "log file, rotated (default: stderr)")
}

// flagKeys maps persistent flags to config keys.
var flagKeys = map[string]string{
	"root":      config.KeyRoot,
	"exclude":   config.KeyExcludedDirectories,
	"threshold": config.KeyOverflowThreshold,
	"interval":  config.KeyPollInterval,
	"log-level": config.KeyLogLevel,
	"log-file":  config.KeyLogFile,
}

// newViper returns a viper with the config file read and the persistent
// flags bound. Unset flags do not override the file.
func newViper() (*viper.Viper, error) {
	v := config.NewViper(cfgFile)
	for name, key := range flagKeys {
		f := rootCmd.PersistentFlags().Lookup(name)
		if f == nil || !f.Changed {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return nil, fmt.Errorf("failed to bind --%s: %w", name, err)
		}
	}
	if err := config.Read(v); err != nil {
		return nil, err
	}
	return v, nil
}

// loadSettings reads the effective configuration.
func loadSettings() (config.Settings, error) {
	v, err := newViper()
	if err != nil {
		return config.Settings{}, err
	}
	return config.FromViper(v)
}

func mustSettings() config.Settings {
	s, err := loadSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	return s
}

func newLogger(s config.Settings, component string) *logging.Logger {
	opts := s.LoggingOptions()
	return logging.New(logging.Output(opts), component, opts.Level)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
