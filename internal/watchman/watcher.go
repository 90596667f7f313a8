package watchman

import (
	"context"
	"fmt"
	"io"
	"log"
)

// DefaultOverflowThreshold is the fan-out above which a batch collapses
// to a single overflow event.
const DefaultOverflowThreshold = 200

// Config holds the per-watcher settings. It is copied by NewWatcher and
// never changes afterwards.
type Config struct {
	// ExcludedDirectories drops every path at or under one of these
	// directories before the overflow check.
	ExcludedDirectories []string

	// OverflowThreshold is the largest number of surviving changes that
	// are still reported one by one. May be negative.
	OverflowThreshold int

	// QueryPayload is written verbatim to the channel on each invocation.
	QueryPayload string

	// Logger receives one line per invocation. Nil discards.
	Logger *log.Logger
}

// DefaultConfig returns a config with no exclusions and the default
// overflow threshold. The query payload still has to be set.
func DefaultConfig() Config {
	return Config{
		OverflowThreshold: DefaultOverflowThreshold,
	}
}

// Watcher turns one daemon query into an ordered batch of events.
//
// A Watcher holds no mutable state, but its channel is single-use per
// call: callers must not run PostEvents concurrently on the same
// instance.
type Watcher struct {
	excluded  []string
	threshold int
	payload   string
	open      Opener
	logger    *log.Logger
}

// NewWatcher creates a Watcher that obtains a fresh channel from open on
// every invocation.
func NewWatcher(config Config, open Opener) (*Watcher, error) {
	if open == nil {
		return nil, fmt.Errorf("opener cannot be nil")
	}

	logger := config.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &Watcher{
		excluded:  normalizeExcluded(config.ExcludedDirectories),
		threshold: config.OverflowThreshold,
		payload:   config.QueryPayload,
		open:      open,
		logger:    logger,
	}, nil
}

// Config returns a copy of the watcher's configuration.
func (w *Watcher) Config() Config {
	return Config{
		ExcludedDirectories: append([]string(nil), w.excluded...),
		OverflowThreshold:   w.threshold,
		QueryPayload:        w.payload,
		Logger:              w.logger,
	}
}

// PostEvents queries the daemon once and posts the resulting events to
// sink.
//
// Either every event is posted and a Result is returned, or nothing is
// posted and the error wraps ErrChannel or ErrMalformedResponse. When the
// surviving change count exceeds the overflow threshold the sole event
// is an overflow.
func (w *Watcher) PostEvents(ctx context.Context, sink Sink) (*Result, error) {
	if sink == nil {
		return nil, ErrNilSink
	}

	resp, err := w.query(ctx)
	if err != nil {
		return nil, err
	}

	files := FilterExcluded(resp.Files, w.excluded)

	result := &Result{
		Version:         resp.Version,
		Clock:           resp.Clock,
		IsFreshInstance: resp.IsFreshInstance,
	}
	if ShouldOverflow(len(files), w.threshold) {
		result.Overflowed = true
		result.Events = []Event{OverflowEvent()}
	} else {
		result.Events = ClassifyAll(files)
	}

	w.logger.Printf("Query at %s: %d reported, %d after exclusion, %d events (overflow=%t)",
		resp.Clock, len(resp.Files), len(files), len(result.Events), result.Overflowed)

	Emit(sink, result.Events)
	return result, nil
}

// query opens a channel, exchanges the payload, and decodes the reply.
func (w *Watcher) query(ctx context.Context) (*QueryResponse, error) {
	ch, err := w.open(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to open channel: %v", ErrChannel, err)
	}

	data, err := Query(ch, w.payload)
	if closer, ok := ch.(io.Closer); ok {
		if cerr := closer.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("%w: %v", ErrChannel, cerr)
		}
	}
	if err != nil {
		return nil, err
	}

	return ParseResponse(data)
}
