package watchman_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/incbuild/incwatch/internal/watchman/watchmantest"
)

func lines(parts ...string) string {
	return strings.Join(parts, "\n")
}

func newWatcher(t *testing.T, ch *watchmantest.Channel, excluded []string, threshold int) *watchman.Watcher {
	t.Helper()
	w, err := watchman.NewWatcher(watchman.Config{
		ExcludedDirectories: excluded,
		OverflowThreshold:   threshold,
		QueryPayload:        "",
	}, ch.Opener())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}
	return w
}

func postEvents(t *testing.T, output string, excluded []string, threshold int) []watchman.Event {
	t.Helper()
	ch := watchmantest.NewChannel(output)
	w := newWatcher(t, ch, excluded, threshold)

	rec := &watchmantest.Recorder{}
	if _, err := w.PostEvents(context.Background(), rec); err != nil {
		t.Fatalf("PostEvents() failed: %v", err)
	}
	if !ch.Closed {
		t.Error("channel should be closed after the invocation")
	}
	return rec.Events()
}

func TestPostEvents_EmptyFilesListGeneratesNoEvents(t *testing.T) {
	output := lines(
		"{",
		`"version": "2.9.2",`,
		`"clock": "c:1386170113:26390:5:50273",`,
		`"is_fresh_instance": false,`,
		`"files": []`,
		"}")

	if got := postEvents(t, output, nil, 200); len(got) != 0 {
		t.Errorf("Expected no events, got %v", got)
	}
}

func TestPostEvents_Classification(t *testing.T) {
	tests := []struct {
		name  string
		entry string
		want  watchman.Kind
	}{
		{"name only is modify", `{"name": "/foo/bar/baz"}`, watchman.KindModify},
		{"new is create", `{"name": "/foo/bar/baz", "new": true}`, watchman.KindCreate},
		{"not exists is delete", `{"name": "/foo/bar/baz", "exists": false}`, watchman.KindDelete},
		{"new and not exists is delete", `{"name": "/foo/bar/baz", "new": true, "exists": false}`, watchman.KindDelete},
		{"explicit exists and not new is modify", `{"name": "/foo/bar/baz", "new": false, "exists": true}`, watchman.KindModify},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := postEvents(t, lines(`{"files": [`, tt.entry, "]}"), nil, 200)
			want := []watchman.Event{{Kind: tt.want, Path: "/foo/bar/baz"}}
			if diff := cmp.Diff(want, got); diff != "" {
				t.Errorf("events mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestPostEvents_MultipleFilesKeepOrder(t *testing.T) {
	output := lines(
		`{"files": [`,
		`{"name": "/foo/bar/baz"},`,
		`{"name": "/foo/bar/boz"}`,
		"]}")

	got := postEvents(t, output, nil, 200)
	want := []watchman.Event{
		{Kind: watchman.KindModify, Path: "/foo/bar/baz"},
		{Kind: watchman.KindModify, Path: "/foo/bar/boz"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPostEvents_ExcludedNameGeneratesNoEvents(t *testing.T) {
	output := `{"files": [{"name": "/foo/bar/baz"}]}`

	if got := postEvents(t, output, []string{"/foo/bar/"}, 200); len(got) != 0 {
		t.Errorf("Expected no events, got %v", got)
	}
}

func TestPostEvents_TooManyChangesGeneratesOverflow(t *testing.T) {
	output := `{"files": [{"name": "/foo/bar/baz"}]}`

	got := postEvents(t, output, nil, -1)
	want := []watchman.Event{{Kind: watchman.KindOverflow}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPostEvents_NegativeThresholdOverflowsEmptyBatch(t *testing.T) {
	got := postEvents(t, `{"files": []}`, nil, -1)
	want := []watchman.Event{watchman.OverflowEvent()}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("events mismatch (-want +got):\n%s", diff)
	}
}

func TestPostEvents_ThresholdBoundary(t *testing.T) {
	output := watchmantest.Response("c:1", false, watchmantest.ManyFiles("/src", 5)...)

	atThreshold := postEvents(t, output, nil, 5)
	if len(atThreshold) != 5 {
		t.Fatalf("count == threshold should not overflow, got %d events", len(atThreshold))
	}
	for _, e := range atThreshold {
		if e.Kind != watchman.KindModify {
			t.Errorf("Expected modify, got %v", e.Kind)
		}
	}

	overThreshold := postEvents(t, output, nil, 4)
	if diff := cmp.Diff([]watchman.Event{watchman.OverflowEvent()}, overThreshold); diff != "" {
		t.Errorf("count == threshold+1 should overflow (-want +got):\n%s", diff)
	}
}

func TestPostEvents_FilterRunsBeforeOverflowCheck(t *testing.T) {
	files := append(watchmantest.ManyFiles("/repo/buck-out", 10), watchmantest.File{Name: "/repo/src/main.c"})
	output := watchmantest.Response("c:2", false, files...)

	got := postEvents(t, output, []string{"/repo/buck-out"}, 1)
	want := []watchman.Event{{Kind: watchman.KindModify, Path: "/repo/src/main.c"}}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("excluded noise must not trigger overflow (-want +got):\n%s", diff)
	}
}

func TestPostEvents_ResultCarriesMetadata(t *testing.T) {
	output := watchmantest.Response("c:1386170113:26390:5:50273", true,
		watchmantest.File{Name: "a", New: watchmantest.Bool(true)},
		watchmantest.File{Name: "b", Exists: watchmantest.Bool(false)},
	)
	ch := watchmantest.NewChannel(output)
	w := newWatcher(t, ch, nil, 200)

	rec := &watchmantest.Recorder{}
	res, err := w.PostEvents(context.Background(), rec)
	if err != nil {
		t.Fatalf("PostEvents() failed: %v", err)
	}

	if res.Clock != "c:1386170113:26390:5:50273" {
		t.Errorf("Clock = %q", res.Clock)
	}
	if res.Version != "2.9.2" {
		t.Errorf("Version = %q", res.Version)
	}
	if !res.IsFreshInstance {
		t.Error("IsFreshInstance should be passed through")
	}
	if res.Overflowed {
		t.Error("Overflowed should be false")
	}
	if diff := cmp.Diff(rec.Events(), res.Events); diff != "" {
		t.Errorf("Result.Events should match posted events (-posted +result):\n%s", diff)
	}
}

func TestPostEvents_WritesPayloadVerbatim(t *testing.T) {
	ch := watchmantest.NewChannel(`{"files": []}`)
	payload := `["query", "/repo", {"fields": ["name"]}]`
	w, err := watchman.NewWatcher(watchman.Config{OverflowThreshold: 200, QueryPayload: payload}, ch.Opener())
	if err != nil {
		t.Fatalf("NewWatcher() failed: %v", err)
	}

	if _, err := w.PostEvents(context.Background(), &watchmantest.Recorder{}); err != nil {
		t.Fatalf("PostEvents() failed: %v", err)
	}
	if got := ch.Written.String(); got != payload {
		t.Errorf("written payload = %q, want %q", got, payload)
	}
}

func TestPostEvents_Errors(t *testing.T) {
	boom := errors.New("boom")
	tests := []struct {
		name    string
		opener  func() watchman.Opener
		wantErr error
	}{
		{
			name:    "open failure",
			opener:  func() watchman.Opener { return watchmantest.FailingOpener(boom) },
			wantErr: watchman.ErrChannel,
		},
		{
			name: "write failure",
			opener: func() watchman.Opener {
				ch := watchmantest.NewChannel(`{"files": []}`)
				ch.WriteErr = boom
				return ch.Opener()
			},
			wantErr: watchman.ErrChannel,
		},
		{
			name: "read failure",
			opener: func() watchman.Opener {
				ch := watchmantest.NewChannel(`{"files": []}`)
				ch.ReadErr = boom
				return ch.Opener()
			},
			wantErr: watchman.ErrChannel,
		},
		{
			name: "close failure",
			opener: func() watchman.Opener {
				ch := watchmantest.NewChannel(`{"files": [{"name": "/a"}]}`)
				ch.CloseErr = boom
				return ch.Opener()
			},
			wantErr: watchman.ErrChannel,
		},
		{
			name:    "invalid JSON",
			opener:  func() watchman.Opener { return watchmantest.NewChannel(`{"files": [`).Opener() },
			wantErr: watchman.ErrMalformedResponse,
		},
		{
			name:    "entry without name",
			opener:  func() watchman.Opener { return watchmantest.NewChannel(`{"files": [{"name": "/a"}, {"new": true}]}`).Opener() },
			wantErr: watchman.ErrMalformedResponse,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, err := watchman.NewWatcher(watchman.DefaultConfig(), tt.opener())
			if err != nil {
				t.Fatalf("NewWatcher() failed: %v", err)
			}

			rec := &watchmantest.Recorder{}
			res, err := w.PostEvents(context.Background(), rec)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("PostEvents() error = %v, want %v", err, tt.wantErr)
			}
			if !watchman.IsRescanRequired(err) {
				t.Errorf("IsRescanRequired(%v) = false", err)
			}
			if res != nil {
				t.Errorf("Expected nil result on failure, got %+v", res)
			}
			if got := rec.Events(); len(got) != 0 {
				t.Errorf("No events may be posted on failure, got %v", got)
			}
		})
	}
}

func TestPostEvents_NilSink(t *testing.T) {
	ch := watchmantest.NewChannel(`{"files": []}`)
	w := newWatcher(t, ch, nil, 200)

	if _, err := w.PostEvents(context.Background(), nil); !errors.Is(err, watchman.ErrNilSink) {
		t.Fatalf("PostEvents(nil) error = %v, want ErrNilSink", err)
	}
	if ch.Written.Len() != 0 {
		t.Error("no I/O should happen without a sink")
	}
}

func TestNewWatcher_NilOpener(t *testing.T) {
	if _, err := watchman.NewWatcher(watchman.DefaultConfig(), nil); err == nil {
		t.Fatal("NewWatcher(nil opener) should fail")
	}
}

func TestWatcher_ConfigIsCopied(t *testing.T) {
	dirs := []string{"/foo/bar"}
	ch := watchmantest.NewChannel(`{"files": [{"name": "/foo/bar/baz"}]}`)
	w := newWatcher(t, ch, dirs, 200)

	dirs[0] = "/elsewhere"
	got := w.Config().ExcludedDirectories
	got[0] = "/mutated"

	rec := &watchmantest.Recorder{}
	if _, err := w.PostEvents(context.Background(), rec); err != nil {
		t.Fatalf("PostEvents() failed: %v", err)
	}
	if events := rec.Events(); len(events) != 0 {
		t.Errorf("exclusion should be unaffected by caller mutation, got %v", events)
	}
}
