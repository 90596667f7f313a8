// Package watchmantest provides in-memory channels, recording sinks and
// synthetic daemon responses for tests of code built on package watchman.
package watchmantest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/incbuild/incwatch/internal/watchman"
	"github.com/tidwall/sjson"
)

// Channel is an in-memory watchman.Channel. Everything written to it is
// kept in Written; Output serves Response.
type Channel struct {
	Response string

	// WriteErr and ReadErr, when set, make the respective side fail.
	WriteErr error
	ReadErr  error
	// CloseErr is returned from Close.
	CloseErr error

	Written bytes.Buffer
	Closed  bool
}

// NewChannel returns a channel that answers with response.
func NewChannel(response string) *Channel {
	return &Channel{Response: response}
}

func (c *Channel) Input() io.Writer {
	if c.WriteErr != nil {
		return errWriter{c.WriteErr}
	}
	return &c.Written
}

func (c *Channel) Output() io.Reader {
	if c.ReadErr != nil {
		return errReader{c.ReadErr}
	}
	return strings.NewReader(c.Response)
}

func (c *Channel) Close() error {
	c.Closed = true
	return c.CloseErr
}

// Opener returns an opener that always hands out ch.
func (c *Channel) Opener() watchman.Opener {
	return func(context.Context) (watchman.Channel, error) {
		return c, nil
	}
}

// FailingOpener returns an opener that fails with err.
func FailingOpener(err error) watchman.Opener {
	return func(context.Context) (watchman.Channel, error) {
		return nil, err
	}
}

// Sequence returns an opener that answers with the given responses in
// turn, one per call. Calls after the last response fail.
func Sequence(responses ...string) watchman.Opener {
	var mu sync.Mutex
	next := 0
	return func(context.Context) (watchman.Channel, error) {
		mu.Lock()
		defer mu.Unlock()
		if next >= len(responses) {
			return nil, errors.New("no more responses")
		}
		ch := NewChannel(responses[next])
		next++
		return ch, nil
	}
}

type errWriter struct{ err error }

func (w errWriter) Write([]byte) (int, error) { return 0, w.err }

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// Recorder is a watchman.Sink that keeps every posted event.
type Recorder struct {
	mu     sync.Mutex
	events []watchman.Event
}

func (r *Recorder) Post(event watchman.Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []watchman.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]watchman.Event(nil), r.events...)
}

// File is one entry of a synthetic response. Nil flags are omitted.
type File struct {
	Name   string
	New    *bool
	Exists *bool
}

// Bool returns a pointer to b, for File flags.
func Bool(b bool) *bool { return &b }

// Response builds a daemon response carrying files in order.
func Response(clock string, fresh bool, files ...File) string {
	doc := `{"version":"2.9.2","files":[]}`
	doc, _ = sjson.Set(doc, "clock", clock)
	doc, _ = sjson.Set(doc, "is_fresh_instance", fresh)
	for _, f := range files {
		entry, _ := sjson.Set(`{}`, "name", f.Name)
		if f.New != nil {
			entry, _ = sjson.Set(entry, "new", *f.New)
		}
		if f.Exists != nil {
			entry, _ = sjson.Set(entry, "exists", *f.Exists)
		}
		doc, _ = sjson.SetRaw(doc, "files.-1", entry)
	}
	return doc
}

// ManyFiles returns n modified files named <dir>/file-<i>.
func ManyFiles(dir string, n int) []File {
	files := make([]File, n)
	for i := range files {
		files[i] = File{Name: fmt.Sprintf("%s/file-%d", dir, i)}
	}
	return files
}
