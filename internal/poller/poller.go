// Package poller runs the watch query on an interval and fans the
// resulting events out to subscribers.
//
// Each cycle builds a fresh watchman.Watcher from the current settings,
// so a reloaded config file takes effect on the next tick. When the
// query is generated from the watch root, the clock returned by one
// cycle becomes the since cursor of the next.
package poller

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/incbuild/incwatch/internal/config"
	"github.com/incbuild/incwatch/internal/logging"
	"github.com/incbuild/incwatch/internal/watchman"
)

// Recorder stores finished cycles. *journal.DB implements it.
type Recorder interface {
	RecordCycle(ctx context.Context, startedAt time.Time, duration time.Duration, res *watchman.Result, cycleErr error) (int64, error)
}

// CycleObserver is told about every finished cycle. *stream.Server
// implements it.
type CycleObserver interface {
	PostCycle(res *watchman.Result, cycleErr error)
}

// OpenerFunc returns the channel opener for the given settings.
type OpenerFunc func(s config.Settings) (watchman.Opener, error)

// CommandOpener opens a channel by running s.Watch.Command in the
// watch root.
func CommandOpener(s config.Settings) (watchman.Opener, error) {
	root, err := s.AbsRoot()
	if err != nil {
		return nil, err
	}
	return watchman.CommandOpener(s.Watch.Command, root), nil
}

// LoadFunc re-reads settings after the config file changed.
type LoadFunc func() (config.Settings, error)

// Config holds poller configuration
type Config struct {
	// Settings is the initial configuration (required, validated)
	Settings config.Settings

	// Sink receives the events of every cycle (required)
	Sink watchman.Sink

	// Opener builds the channel opener (default: CommandOpener)
	Opener OpenerFunc

	// Journal records cycles (optional)
	Journal Recorder

	// Observers are notified after each cycle (optional)
	Observers []CycleObserver

	// Since is the clock to resume from (optional)
	Since string

	// ConfigFile is watched for changes when set; Load re-reads it
	ConfigFile string
	Load       LoadFunc

	// Logger for poller activity (default: discard)
	Logger *logging.Logger
}

// Poller runs query cycles.
type Poller struct {
	mu       sync.Mutex
	settings config.Settings
	clock    string

	sink      watchman.Sink
	opener    OpenerFunc
	journal   Recorder
	observers []CycleObserver

	configFile string
	load       LoadFunc

	logger *logging.Logger
	cycles uint64
}

// New creates a Poller. Call Run to start polling, or Cycle to run a
// single query.
func New(cfg Config) (*Poller, error) {
	if cfg.Sink == nil {
		return nil, watchman.ErrNilSink
	}
	if err := cfg.Settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.ConfigFile != "" && cfg.Load == nil {
		return nil, errors.New("config file watching requires a load function")
	}

	opener := cfg.Opener
	if opener == nil {
		opener = CommandOpener
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Poller{
		settings:   cfg.Settings,
		clock:      cfg.Since,
		sink:       cfg.Sink,
		opener:     opener,
		journal:    cfg.Journal,
		observers:  cfg.Observers,
		configFile: cfg.ConfigFile,
		load:       cfg.Load,
		logger:     logger,
	}, nil
}

// Settings returns the settings the next cycle will use.
func (p *Poller) Settings() config.Settings {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.settings
}

// Clock returns the since cursor for the next cycle.
func (p *Poller) Clock() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.clock
}

// Cycles returns the number of cycles run so far.
func (p *Poller) Cycles() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cycles
}

// Cycle runs one query and delivers its events to the sink. The returned
// result reflects what subscribers received.
//
// A fresh-instance result is delivered as a single Overflow when
// watch.fresh_instance_rescan is set. A rescan-required daemon error
// delivers an Overflow too and drops the since cursor; the error is then
// returned together with a result holding that Overflow. A cycle cut
// short by ctx delivers nothing.
func (p *Poller) Cycle(ctx context.Context) (*watchman.Result, error) {
	p.mu.Lock()
	s := p.settings
	since := ""
	if s.GeneratesQuery() {
		since = p.clock
	}
	p.cycles++
	p.mu.Unlock()

	started := time.Now()
	res, err := p.run(ctx, s, since)
	duration := time.Since(started)

	switch {
	case err != nil && ctx.Err() != nil:
		// the killed subprocess says nothing about the tree
		p.logger.Infof("Cycle cancelled after %s: %v", duration, err)
	case err != nil:
		p.logger.Warnf("Cycle failed after %s: %v", duration, err)
		if watchman.IsRescanRequired(err) {
			p.logger.Infof("Daemon requires a rescan, emitting overflow")
			p.resetClock()
			res = &watchman.Result{
				Overflowed: true,
				Events:     []watchman.Event{watchman.OverflowEvent()},
			}
			watchman.Emit(p.sink, res.Events)
		}
	default:
		if s.GeneratesQuery() {
			p.mu.Lock()
			p.clock = res.Clock
			p.mu.Unlock()
		}
		p.logger.Debugf("Cycle at %s took %s: %d events", res.Clock, duration, len(res.Events))
		watchman.Emit(p.sink, res.Events)
	}

	if p.journal != nil {
		// record even when ctx was cancelled mid-cycle
		if _, jerr := p.journal.RecordCycle(context.WithoutCancel(ctx), started, duration, res, err); jerr != nil {
			p.logger.Errorf("Failed to record cycle: %v", jerr)
		}
	}
	for _, o := range p.observers {
		o.PostCycle(res, err)
	}
	return res, err
}

// run queries into a buffer so the fresh-instance policy can replace
// the events before anything is delivered.
func (p *Poller) run(ctx context.Context, s config.Settings, since string) (*watchman.Result, error) {
	wcfg, err := s.WatcherConfig(since)
	if err != nil {
		return nil, err
	}
	if p.logger.Enabled(logging.LevelDebug) {
		wcfg.Logger = p.logger.Named("watchman").Std()
	}

	open, err := p.opener(s)
	if err != nil {
		return nil, fmt.Errorf("failed to create opener: %w", err)
	}
	w, err := watchman.NewWatcher(wcfg, open)
	if err != nil {
		return nil, err
	}

	var buffered []watchman.Event
	res, err := w.PostEvents(ctx, watchman.SinkFunc(func(e watchman.Event) {
		buffered = append(buffered, e)
	}))
	if err != nil {
		return nil, err
	}
	res.Events = buffered

	if res.IsFreshInstance && s.Watch.FreshInstanceRescan && !res.Overflowed {
		p.logger.Infof("Fresh instance at %s, emitting overflow", res.Clock)
		res.Overflowed = true
		res.Events = []watchman.Event{watchman.OverflowEvent()}
	}
	return res, nil
}

func (p *Poller) resetClock() {
	p.mu.Lock()
	p.clock = ""
	p.mu.Unlock()
}

// Run cycles once immediately and then every poll interval until ctx is
// done. Cycle errors are logged and polling continues.
func (p *Poller) Run(ctx context.Context) error {
	var changes <-chan struct{}
	if p.configFile != "" {
		cw, err := newConfigWatcher(p.configFile, p.logger)
		if err != nil {
			return err
		}
		defer cw.Close()
		changes = cw.Changes()
	}

	interval := p.Settings().Watch.PollInterval
	p.logger.Infof("Polling every %s", interval)

	_, _ = p.Cycle(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Infof("Stopped after %d cycles", p.Cycles())
			return nil

		case <-ticker.C:
			_, _ = p.Cycle(ctx)

		case <-changes:
			if err := p.Reload(); err != nil {
				p.logger.Errorf("Keeping previous config: %v", err)
				continue
			}
			if next := p.Settings().Watch.PollInterval; next != interval {
				interval = next
				ticker.Reset(interval)
				p.logger.Infof("Polling every %s", interval)
			}
		}
	}
}

// Reload re-reads the settings with the load function. Invalid settings
// are rejected and the previous ones kept. Changing the watch root or
// the query drops the since cursor.
func (p *Poller) Reload() error {
	if p.load == nil {
		return errors.New("no load function configured")
	}
	next, err := p.load()
	if err != nil {
		return fmt.Errorf("failed to reload config: %w", err)
	}
	if err := next.Validate(); err != nil {
		return err
	}

	p.mu.Lock()
	prev := p.settings
	p.settings = next
	if prev.Watch.Root != next.Watch.Root || prev.Watch.Query != next.Watch.Query {
		p.clock = ""
	}
	p.mu.Unlock()

	p.logger.Infof("Reloaded config from %s", p.configFile)
	return nil
}
