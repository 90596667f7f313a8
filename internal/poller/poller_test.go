package poller

import (
	"context"
	"errors"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/incbuild/incwatch/internal/bus"
	"github.com/incbuild/incwatch/internal/config"
	"github.com/incbuild/incwatch/internal/journal"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/incbuild/incwatch/internal/watchman/watchmantest"
	"github.com/tidwall/gjson"
)

// script answers with responses in turn and repeats the last one. It
// keeps every channel so tests can inspect the payloads sent.
type script struct {
	mu        sync.Mutex
	responses []string
	channels  []*watchmantest.Channel
}

func (s *script) opener(config.Settings) (watchman.Opener, error) {
	return func(context.Context) (watchman.Channel, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		i := len(s.channels)
		if i >= len(s.responses) {
			i = len(s.responses) - 1
		}
		ch := watchmantest.NewChannel(s.responses[i])
		s.channels = append(s.channels, ch)
		return ch, nil
	}, nil
}

func (s *script) since(i int) gjson.Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	return gjson.Get(s.channels[i].Written.String(), "2.since")
}

type recordedCycle struct {
	res *watchman.Result
	err error
}

type cycleLog struct {
	mu     sync.Mutex
	cycles []recordedCycle
}

func (l *cycleLog) RecordCycle(_ context.Context, _ time.Time, _ time.Duration, res *watchman.Result, cycleErr error) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cycles = append(l.cycles, recordedCycle{res: res, err: cycleErr})
	return int64(len(l.cycles)), nil
}

func (l *cycleLog) PostCycle(res *watchman.Result, cycleErr error) {
	_, _ = l.RecordCycle(context.Background(), time.Time{}, 0, res, cycleErr)
}

func (l *cycleLog) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cycles)
}

func testSettings(t *testing.T) config.Settings {
	t.Helper()
	s := config.Default()
	s.Watch.Root = t.TempDir()
	s.Watch.FreshInstanceRescan = false
	s.Watch.PollInterval = 10 * time.Millisecond
	return s
}

func TestNewValidation(t *testing.T) {
	s := testSettings(t)

	if _, err := New(Config{Settings: s}); !errors.Is(err, watchman.ErrNilSink) {
		t.Errorf("New() without sink error = %v, want ErrNilSink", err)
	}

	bad := s
	bad.Watch.PollInterval = 0
	if _, err := New(Config{Settings: bad, Sink: &watchmantest.Recorder{}}); err == nil {
		t.Error("New() with zero poll interval succeeded, want error")
	}

	if _, err := New(Config{Settings: s, Sink: &watchmantest.Recorder{}, ConfigFile: "incwatch.toml"}); err == nil {
		t.Error("New() with config file but no load func succeeded, want error")
	}
}

func TestCycleThreadsClock(t *testing.T) {
	sc := &script{responses: []string{
		watchmantest.Response("c:1", false, watchmantest.File{Name: "a.go"}),
		watchmantest.Response("c:2", false, watchmantest.File{Name: "b.go", New: watchmantest.Bool(true)}),
	}}
	rec := &watchmantest.Recorder{}
	p, err := New(Config{Settings: testSettings(t), Sink: rec, Opener: sc.opener})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if p.Clock() != "c:1" {
		t.Errorf("Clock() = %q, want c:1", p.Clock())
	}
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}

	if got := sc.since(0); got.Exists() {
		t.Errorf("first payload since = %s, want none", got.Raw)
	}
	if got := sc.since(1).String(); got != "c:1" {
		t.Errorf("second payload since = %q, want c:1", got)
	}

	want := []watchman.Event{
		{Kind: watchman.KindModify, Path: "a.go"},
		{Kind: watchman.KindCreate, Path: "b.go"},
	}
	if diff := cmp.Diff(want, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if p.Cycles() != 2 {
		t.Errorf("Cycles() = %d, want 2", p.Cycles())
	}
}

func TestCycleResumesFromSince(t *testing.T) {
	sc := &script{responses: []string{watchmantest.Response("c:9", false)}}
	p, err := New(Config{Settings: testSettings(t), Sink: &watchmantest.Recorder{}, Opener: sc.opener, Since: "c:8"})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := p.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	if got := sc.since(0).String(); got != "c:8" {
		t.Errorf("payload since = %q, want c:8", got)
	}
}

func TestCycleVerbatimQueryKeepsNoClock(t *testing.T) {
	s := testSettings(t)
	s.Watch.Query = `["query","/repo",{"fields":["name"]}]`

	sc := &script{responses: []string{watchmantest.Response("c:1", false)}}
	p, err := New(Config{Settings: s, Sink: &watchmantest.Recorder{}, Opener: sc.opener})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	for i := 0; i < 2; i++ {
		if _, err := p.Cycle(context.Background()); err != nil {
			t.Fatalf("Cycle() failed: %v", err)
		}
	}
	if p.Clock() != "" {
		t.Errorf("Clock() = %q, want empty for verbatim query", p.Clock())
	}
	if got := sc.channels[1].Written.String(); got != s.Watch.Query {
		t.Errorf("payload = %q, want %q", got, s.Watch.Query)
	}
}

func TestFreshInstancePolicy(t *testing.T) {
	fresh := watchmantest.Response("c:1", true,
		watchmantest.File{Name: "a.go"},
		watchmantest.File{Name: "b.go"},
	)

	tests := []struct {
		name       string
		rescan     bool
		want       []watchman.Event
		overflowed bool
	}{
		{
			name:       "rescan enabled",
			rescan:     true,
			want:       []watchman.Event{watchman.OverflowEvent()},
			overflowed: true,
		},
		{
			name:   "rescan disabled",
			rescan: false,
			want: []watchman.Event{
				{Kind: watchman.KindModify, Path: "a.go"},
				{Kind: watchman.KindModify, Path: "b.go"},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := testSettings(t)
			s.Watch.FreshInstanceRescan = tt.rescan
			sc := &script{responses: []string{fresh}}
			rec := &watchmantest.Recorder{}
			p, err := New(Config{Settings: s, Sink: rec, Opener: sc.opener})
			if err != nil {
				t.Fatalf("New() failed: %v", err)
			}

			res, err := p.Cycle(context.Background())
			if err != nil {
				t.Fatalf("Cycle() failed: %v", err)
			}
			if diff := cmp.Diff(tt.want, rec.Events()); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
			if diff := cmp.Diff(tt.want, res.Events); diff != "" {
				t.Errorf("result events mismatch (-want +got):\n%s", diff)
			}
			if res.Overflowed != tt.overflowed {
				t.Errorf("Overflowed = %t, want %t", res.Overflowed, tt.overflowed)
			}
			if !res.IsFreshInstance {
				t.Error("IsFreshInstance = false, want true")
			}
		})
	}
}

func TestCycleRescanRequiredError(t *testing.T) {
	sc := &script{responses: []string{
		watchmantest.Response("c:1", false),
		`{"error":"RootResolveError: unable to resolve root"}`,
	}}
	rec := &watchmantest.Recorder{}
	log := &cycleLog{}
	observed := &cycleLog{}
	p, err := New(Config{
		Settings:  testSettings(t),
		Sink:      rec,
		Opener:    sc.opener,
		Journal:   log,
		Observers: []CycleObserver{observed},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}
	res, err := p.Cycle(ctx)
	if !errors.Is(err, watchman.ErrMalformedResponse) {
		t.Fatalf("Cycle() error = %v, want ErrMalformedResponse", err)
	}
	if res == nil || !res.Overflowed {
		t.Fatalf("Cycle() result = %+v, want overflowed result", res)
	}
	if p.Clock() != "" {
		t.Errorf("Clock() = %q, want reset after rescan", p.Clock())
	}
	if diff := cmp.Diff([]watchman.Event{watchman.OverflowEvent()}, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}

	if log.len() != 2 || observed.len() != 2 {
		t.Fatalf("recorded %d cycles, observed %d, want 2 each", log.len(), observed.len())
	}
	if log.cycles[1].err == nil {
		t.Error("journal did not receive the cycle error")
	}
	if got := log.cycles[1].res; got == nil || !got.Overflowed {
		t.Errorf("journal result = %+v, want the delivered overflow", got)
	}
	if got := observed.cycles[1].res; got == nil || len(got.Events) != 1 {
		t.Errorf("observer result = %+v, want the delivered overflow", got)
	}
}

func TestRescanOverflowIsJournaled(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	sc := &script{responses: []string{`{"error":"boom"}`}}
	rec := &watchmantest.Recorder{}
	p, err := New(Config{Settings: testSettings(t), Sink: rec, Opener: sc.opener, Journal: j})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Cycle(ctx); !watchman.IsRescanRequired(err) {
		t.Fatalf("Cycle() error = %v, want rescan required", err)
	}

	stats, err := j.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats() failed: %v", err)
	}
	if stats.Overflows != 1 || stats.FailedCycles != 1 {
		t.Errorf("Stats() overflows = %d failed = %d, want 1 and 1", stats.Overflows, stats.FailedCycles)
	}

	entries, err := j.ListEvents(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	if len(entries) != 1 || entries[0].Kind != "overflow" {
		t.Errorf("journal events = %+v, want one overflow", entries)
	}
	if diff := cmp.Diff([]watchman.Event{watchman.OverflowEvent()}, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestCycleCancelledDeliversNothing(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}

	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	dir := t.TempDir()
	rec := &watchmantest.Recorder{}
	p, err := New(Config{
		Settings: testSettings(t),
		Sink:     rec,
		Opener: func(config.Settings) (watchman.Opener, error) {
			return watchman.CommandOpener([]string{"sleep", "10"}, dir), nil
		},
		Journal: j,
		Since:   "c:7",
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	res, err := p.Cycle(ctx)
	if err == nil {
		t.Fatal("Cycle() succeeded after cancel, want error")
	}
	if res != nil {
		t.Errorf("Cycle() result = %+v, want nil", res)
	}
	if got := rec.Events(); len(got) != 0 {
		t.Errorf("events = %v, want none after cancel", got)
	}
	if p.Clock() != "c:7" {
		t.Errorf("Clock() = %q, want c:7 kept", p.Clock())
	}

	cycles, err := j.ListCycles(context.Background(), 0)
	if err != nil {
		t.Fatalf("ListCycles() failed: %v", err)
	}
	if len(cycles) != 1 || cycles[0].Error == "" || cycles[0].Overflowed {
		t.Errorf("cycles = %+v, want one failed cycle without overflow", cycles)
	}
}

func TestCycleOpenerError(t *testing.T) {
	boom := errors.New("no command")
	rec := &watchmantest.Recorder{}
	p, err := New(Config{
		Settings: testSettings(t),
		Sink:     rec,
		Opener: func(config.Settings) (watchman.Opener, error) {
			return nil, boom
		},
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if _, err := p.Cycle(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Cycle() error = %v, want %v", err, boom)
	}
	if got := rec.Events(); len(got) != 0 {
		t.Errorf("events = %v, want none", got)
	}
}

func TestCycleRecordsJournal(t *testing.T) {
	j, err := journal.Open(filepath.Join(t.TempDir(), "journal.db"))
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	defer j.Close()

	sc := &script{responses: []string{
		watchmantest.Response("c:1", false,
			watchmantest.File{Name: "src/new.go", New: watchmantest.Bool(true)},
			watchmantest.File{Name: "src/old.go", Exists: watchmantest.Bool(false)},
		),
	}}
	p, err := New(Config{Settings: testSettings(t), Sink: bus.New(), Opener: sc.opener, Journal: j})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	if _, err := p.Cycle(ctx); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}

	entries, err := j.ListEvents(ctx, journal.Filter{})
	if err != nil {
		t.Fatalf("ListEvents() failed: %v", err)
	}
	var got []string
	for _, e := range entries {
		got = append(got, e.Kind+" "+e.Path)
	}
	want := []string{"create src/new.go", "delete src/old.go"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("journal mismatch (-want +got):\n%s", diff)
	}

	clock, err := j.LastClock(ctx)
	if err != nil {
		t.Fatalf("LastClock() failed: %v", err)
	}
	if clock != "c:1" {
		t.Errorf("LastClock() = %q, want c:1", clock)
	}
}

func TestRunPollsUntilCancelled(t *testing.T) {
	sc := &script{responses: []string{
		watchmantest.Response("c:1", false, watchmantest.File{Name: "a.go"}),
		watchmantest.Response("c:2", false),
	}}
	b := bus.New()
	rec := &watchmantest.Recorder{}
	b.Subscribe(rec)

	observed := &cycleLog{}
	p, err := New(Config{Settings: testSettings(t), Sink: b, Opener: sc.opener, Observers: []CycleObserver{observed}})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for observed.len() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("only %d cycles ran", observed.len())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run() did not return after cancel")
	}

	want := []watchman.Event{{Kind: watchman.KindModify, Path: "a.go"}}
	if diff := cmp.Diff(want, rec.Events()); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
	if p.Clock() != "c:2" {
		t.Errorf("Clock() = %q, want c:2", p.Clock())
	}
}

func TestReload(t *testing.T) {
	s := testSettings(t)
	next := s
	var loadErr error

	sc := &script{responses: []string{watchmantest.Response("c:1", false)}}
	p, err := New(Config{
		Settings: s,
		Sink:     &watchmantest.Recorder{},
		Opener:   sc.opener,
		Load:     func() (config.Settings, error) { return next, loadErr },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if _, err := p.Cycle(context.Background()); err != nil {
		t.Fatalf("Cycle() failed: %v", err)
	}

	// same root keeps the clock
	next.Watch.OverflowThreshold = 5
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if p.Settings().Watch.OverflowThreshold != 5 || p.Clock() != "c:1" {
		t.Errorf("after reload threshold = %d clock = %q", p.Settings().Watch.OverflowThreshold, p.Clock())
	}

	// invalid settings are rejected
	next.Watch.Command = nil
	if err := p.Reload(); err == nil {
		t.Error("Reload() with empty command succeeded, want error")
	}
	if len(p.Settings().Watch.Command) == 0 {
		t.Error("invalid settings replaced the previous ones")
	}

	// new root drops the clock
	next = s
	next.Watch.Root = t.TempDir()
	if err := p.Reload(); err != nil {
		t.Fatalf("Reload() failed: %v", err)
	}
	if p.Clock() != "" {
		t.Errorf("Clock() = %q, want reset after root change", p.Clock())
	}

	loadErr = errors.New("parse error")
	if err := p.Reload(); !errors.Is(err, loadErr) {
		t.Errorf("Reload() error = %v, want %v", err, loadErr)
	}
}

func TestRunReloadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "incwatch.toml")
	writeConfig := func(interval string) {
		t.Helper()
		body := "[watch]\nroot = " + `"` + filepath.ToSlash(dir) + `"` + "\npoll_interval = \"" + interval + "\"\n"
		if err := os.WriteFile(file, []byte(body), 0o644); err != nil {
			t.Fatalf("WriteFile() failed: %v", err)
		}
	}
	writeConfig("50ms")

	s, err := config.Load(file)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}

	sc := &script{responses: []string{watchmantest.Response("c:1", false)}}
	p, err := New(Config{
		Settings:   s,
		Sink:       &watchmantest.Recorder{},
		Opener:     sc.opener,
		ConfigFile: file,
		Load:       func() (config.Settings, error) { return config.Load(file) },
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for p.Cycles() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Run() never cycled")
		}
		time.Sleep(5 * time.Millisecond)
	}

	writeConfig("20ms")
	for p.Settings().Watch.PollInterval != 20*time.Millisecond {
		if time.Now().After(deadline) {
			t.Fatalf("PollInterval = %s, want reload to 20ms", p.Settings().Watch.PollInterval)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run() returned %v", err)
	}
}
