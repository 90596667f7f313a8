// Package config loads incwatch settings from file, environment and flags.
//
// Settings are read with viper from incwatch.toml (or .yaml/.json) in the
// working directory or .incwatch/, overridden by INCWATCH_* environment
// variables (INCWATCH_WATCH_OVERFLOW_THRESHOLD etc.) and bound flags.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/incbuild/incwatch/internal/logging"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "INCWATCH"

// Keys used in config files and for flag binding.
const (
	KeyRoot                = "watch.root"
	KeyExcludedDirectories = "watch.excluded_directories"
	KeyOverflowThreshold   = "watch.overflow_threshold"
	KeyQuery               = "watch.query"
	KeyCommand             = "watch.command"
	KeyPollInterval        = "watch.poll_interval"
	KeyFreshInstanceRescan = "watch.fresh_instance_rescan"
	KeyJournalEnabled      = "journal.enabled"
	KeyJournalPath         = "journal.path"
	KeyStreamPort          = "stream.port"
	KeyLogLevel            = "log.level"
	KeyLogFile             = "log.file"
	KeyLogMaxSizeMB        = "log.max_size_mb"
	KeyLogMaxBackups       = "log.max_backups"
	KeyLogMaxAgeDays       = "log.max_age_days"
	KeyLogCompress         = "log.compress"
)

// Settings is the effective configuration.
type Settings struct {
	Watch   WatchSettings
	Journal JournalSettings
	Stream  StreamSettings
	Log     LogSettings

	// File is the config file that was read, if any.
	File string
}

// WatchSettings configures the daemon query and the poll loop.
type WatchSettings struct {
	Root                string
	ExcludedDirectories []string
	OverflowThreshold   int
	// Query, when set, is sent verbatim instead of a generated
	// since-clock query.
	Query               string
	Command             []string
	PollInterval        time.Duration
	FreshInstanceRescan bool
}

// JournalSettings configures the SQLite event journal.
type JournalSettings struct {
	Enabled bool
	Path    string
}

// StreamSettings configures the websocket stream server.
type StreamSettings struct {
	Port int
}

// LogSettings configures logging and rotation.
type LogSettings struct {
	Level      string
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// Default returns the built-in settings.
func Default() Settings {
	return Settings{
		Watch: WatchSettings{
			Root:                ".",
			ExcludedDirectories: []string{},
			OverflowThreshold:   watchman.DefaultOverflowThreshold,
			Command:             append([]string(nil), watchman.DefaultCommand...),
			PollInterval:        time.Second,
			FreshInstanceRescan: true,
		},
		Journal: JournalSettings{
			Enabled: true,
			Path:    filepath.Join(".incwatch", "journal.db"),
		},
		Stream: StreamSettings{Port: 8765},
		Log: LogSettings{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// SetDefaults registers Default() on v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault(KeyRoot, d.Watch.Root)
	v.SetDefault(KeyExcludedDirectories, d.Watch.ExcludedDirectories)
	v.SetDefault(KeyOverflowThreshold, d.Watch.OverflowThreshold)
	v.SetDefault(KeyQuery, d.Watch.Query)
	v.SetDefault(KeyCommand, d.Watch.Command)
	v.SetDefault(KeyPollInterval, d.Watch.PollInterval)
	v.SetDefault(KeyFreshInstanceRescan, d.Watch.FreshInstanceRescan)
	v.SetDefault(KeyJournalEnabled, d.Journal.Enabled)
	v.SetDefault(KeyJournalPath, d.Journal.Path)
	v.SetDefault(KeyStreamPort, d.Stream.Port)
	v.SetDefault(KeyLogLevel, d.Log.Level)
	v.SetDefault(KeyLogFile, d.Log.File)
	v.SetDefault(KeyLogMaxSizeMB, d.Log.MaxSizeMB)
	v.SetDefault(KeyLogMaxBackups, d.Log.MaxBackups)
	v.SetDefault(KeyLogMaxAgeDays, d.Log.MaxAgeDays)
	v.SetDefault(KeyLogCompress, d.Log.Compress)
}

// NewViper returns a viper instance with defaults, env overrides and the
// search path set up. If file is non-empty only that file is read.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
	} else {
		v.SetConfigName("incwatch")
		v.AddConfigPath(".")
		v.AddConfigPath(".incwatch")
	}
	return v
}

// Read loads the config file into v. A missing file is fine when none was
// named explicitly.
func Read(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// Load reads file (or the default search path) and returns the settings.
func Load(file string) (Settings, error) {
	v := NewViper(file)
	if err := Read(v); err != nil {
		return Settings{}, err
	}
	return FromViper(v)
}

// FromViper extracts and validates settings from v.
func FromViper(v *viper.Viper) (Settings, error) {
	s := Settings{
		Watch: WatchSettings{
			Root:                v.GetString(KeyRoot),
			ExcludedDirectories: v.GetStringSlice(KeyExcludedDirectories),
			OverflowThreshold:   v.GetInt(KeyOverflowThreshold),
			Query:               v.GetString(KeyQuery),
			Command:             v.GetStringSlice(KeyCommand),
			PollInterval:        v.GetDuration(KeyPollInterval),
			FreshInstanceRescan: v.GetBool(KeyFreshInstanceRescan),
		},
		Journal: JournalSettings{
			Enabled: v.GetBool(KeyJournalEnabled),
			Path:    v.GetString(KeyJournalPath),
		},
		Stream: StreamSettings{Port: v.GetInt(KeyStreamPort)},
		Log: LogSettings{
			Level:      v.GetString(KeyLogLevel),
			File:       v.GetString(KeyLogFile),
			MaxSizeMB:  v.GetInt(KeyLogMaxSizeMB),
			MaxBackups: v.GetInt(KeyLogMaxBackups),
			MaxAgeDays: v.GetInt(KeyLogMaxAgeDays),
			Compress:   v.GetBool(KeyLogCompress),
		},
		File: v.ConfigFileUsed(),
	}
	if err := s.Validate(); err != nil {
		return Settings{}, err
	}
	return s, nil
}

// Validate checks settings that would otherwise fail later.
func (s Settings) Validate() error {
	if s.Watch.Root == "" && s.Watch.Query == "" {
		return fmt.Errorf("%s or %s must be set", KeyRoot, KeyQuery)
	}
	if len(s.Watch.Command) == 0 {
		return fmt.Errorf("%s cannot be empty", KeyCommand)
	}
	if s.Watch.PollInterval <= 0 {
		return fmt.Errorf("%s must be positive, got %s", KeyPollInterval, s.Watch.PollInterval)
	}
	if _, err := logging.ParseLevel(s.Log.Level); err != nil {
		return fmt.Errorf("%s: %w", KeyLogLevel, err)
	}
	if s.Stream.Port < 0 || s.Stream.Port > 65535 {
		return fmt.Errorf("%s out of range: %d", KeyStreamPort, s.Stream.Port)
	}
	return nil
}

// AbsRoot resolves the watch root against the working directory.
func (s Settings) AbsRoot() (string, error) {
	root, err := filepath.Abs(s.Watch.Root)
	if err != nil {
		return "", fmt.Errorf("failed to resolve watch root: %w", err)
	}
	return root, nil
}

// WatcherConfig returns the immutable core configuration. since is the
// clock to resume from when the query is generated; it is ignored when
// watch.query is set.
func (s Settings) WatcherConfig(since string) (watchman.Config, error) {
	payload := s.Watch.Query
	if payload == "" {
		root, err := s.AbsRoot()
		if err != nil {
			return watchman.Config{}, err
		}
		if payload, err = watchman.BuildQuery(root, since); err != nil {
			return watchman.Config{}, err
		}
	}

	return watchman.Config{
		ExcludedDirectories: append([]string(nil), s.Watch.ExcludedDirectories...),
		OverflowThreshold:   s.Watch.OverflowThreshold,
		QueryPayload:        payload,
	}, nil
}

// GeneratesQuery reports whether the payload is built from the root, so
// the poll loop may advance the since clock between cycles.
func (s Settings) GeneratesQuery() bool {
	return s.Watch.Query == ""
}

// LoggingOptions maps the log section to logging.Options.
func (s Settings) LoggingOptions() logging.Options {
	level, _ := logging.ParseLevel(s.Log.Level)
	return logging.Options{
		Level:      level,
		File:       s.Log.File,
		MaxSizeMB:  s.Log.MaxSizeMB,
		MaxBackups: s.Log.MaxBackups,
		MaxAgeDays: s.Log.MaxAgeDays,
		Compress:   s.Log.Compress,
	}
}
