package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// fileView is the on-disk layout. Durations are kept as strings so both
// encoders write "1s" rather than nanoseconds.
type fileView struct {
	Watch struct {
		Root                string   `toml:"root" yaml:"root"`
		ExcludedDirectories []string `toml:"excluded_directories" yaml:"excluded_directories"`
		OverflowThreshold   int      `toml:"overflow_threshold" yaml:"overflow_threshold"`
		Query               string   `toml:"query,omitempty" yaml:"query,omitempty"`
		Command             []string `toml:"command" yaml:"command"`
		PollInterval        string   `toml:"poll_interval" yaml:"poll_interval"`
		FreshInstanceRescan bool     `toml:"fresh_instance_rescan" yaml:"fresh_instance_rescan"`
	} `toml:"watch" yaml:"watch"`
	Journal struct {
		Enabled bool   `toml:"enabled" yaml:"enabled"`
		Path    string `toml:"path" yaml:"path"`
	} `toml:"journal" yaml:"journal"`
	Stream struct {
		Port int `toml:"port" yaml:"port"`
	} `toml:"stream" yaml:"stream"`
	Log struct {
		Level      string `toml:"level" yaml:"level"`
		File       string `toml:"file" yaml:"file"`
		MaxSizeMB  int    `toml:"max_size_mb" yaml:"max_size_mb"`
		MaxBackups int    `toml:"max_backups" yaml:"max_backups"`
		MaxAgeDays int    `toml:"max_age_days" yaml:"max_age_days"`
		Compress   bool   `toml:"compress" yaml:"compress"`
	} `toml:"log" yaml:"log"`
}

func toView(s Settings) fileView {
	var v fileView
	v.Watch.Root = s.Watch.Root
	v.Watch.ExcludedDirectories = append([]string{}, s.Watch.ExcludedDirectories...)
	v.Watch.OverflowThreshold = s.Watch.OverflowThreshold
	v.Watch.Query = s.Watch.Query
	v.Watch.Command = append([]string{}, s.Watch.Command...)
	v.Watch.PollInterval = s.Watch.PollInterval.String()
	v.Watch.FreshInstanceRescan = s.Watch.FreshInstanceRescan
	v.Journal.Enabled = s.Journal.Enabled
	v.Journal.Path = s.Journal.Path
	v.Stream.Port = s.Stream.Port
	v.Log.Level = s.Log.Level
	v.Log.File = s.Log.File
	v.Log.MaxSizeMB = s.Log.MaxSizeMB
	v.Log.MaxBackups = s.Log.MaxBackups
	v.Log.MaxAgeDays = s.Log.MaxAgeDays
	v.Log.Compress = s.Log.Compress
	return v
}

// EncodeTOML writes s in config-file form.
func EncodeTOML(w io.Writer, s Settings) error {
	if err := toml.NewEncoder(w).Encode(toView(s)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}

// EncodeYAML writes s as YAML, for display.
func EncodeYAML(w io.Writer, s Settings) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(toView(s)); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// DecodeTOML parses a config file written by EncodeTOML. Missing keys
// keep their defaults.
func DecodeTOML(data []byte) (Settings, error) {
	view := toView(Default())
	if _, err := toml.NewDecoder(bytes.NewReader(data)).Decode(&view); err != nil {
		return Settings{}, fmt.Errorf("failed to decode config: %w", err)
	}

	interval, err := time.ParseDuration(view.Watch.PollInterval)
	if err != nil {
		return Settings{}, fmt.Errorf("invalid poll_interval %q: %w", view.Watch.PollInterval, err)
	}

	s := Settings{
		Watch: WatchSettings{
			Root:                view.Watch.Root,
			ExcludedDirectories: view.Watch.ExcludedDirectories,
			OverflowThreshold:   view.Watch.OverflowThreshold,
			Query:               view.Watch.Query,
			Command:             view.Watch.Command,
			PollInterval:        interval,
			FreshInstanceRescan: view.Watch.FreshInstanceRescan,
		},
		Journal: JournalSettings{Enabled: view.Journal.Enabled, Path: view.Journal.Path},
		Stream:  StreamSettings{Port: view.Stream.Port},
		Log: LogSettings{
			Level:      view.Log.Level,
			File:       view.Log.File,
			MaxSizeMB:  view.Log.MaxSizeMB,
			MaxBackups: view.Log.MaxBackups,
			MaxAgeDays: view.Log.MaxAgeDays,
			Compress:   view.Log.Compress,
		},
	}
	return s, s.Validate()
}

// WriteFile writes s to path as TOML. An existing file is only replaced
// when force is set, and nothing is written when the encoded file does not
// decode to valid settings.
func WriteFile(path string, s Settings, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists (use --force to overwrite)", path)
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	var buf bytes.Buffer
	if err := EncodeTOML(&buf, s); err != nil {
		return err
	}
	// never leave behind a file the next run cannot load
	if _, err := DecodeTOML(buf.Bytes()); err != nil {
		return fmt.Errorf("refusing to write %s: %w", path, err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
