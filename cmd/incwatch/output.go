package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/incbuild/incwatch/internal/ui"
	"github.com/incbuild/incwatch/internal/watchman"
	"gopkg.in/yaml.v3"
)

type eventOutput struct {
	Kind string `json:"kind" yaml:"kind"`
	Path string `json:"path,omitempty" yaml:"path,omitempty"`
}

type resultOutput struct {
	Version       string        `json:"version,omitempty" yaml:"version,omitempty"`
	Clock         string        `json:"clock" yaml:"clock"`
	FreshInstance bool          `json:"is_fresh_instance" yaml:"is_fresh_instance"`
	Overflowed    bool          `json:"overflowed" yaml:"overflowed"`
	Events        []eventOutput `json:"events" yaml:"events"`
}

func newResultOutput(res *watchman.Result) resultOutput {
	out := resultOutput{
		Version:       res.Version,
		Clock:         res.Clock,
		FreshInstance: res.IsFreshInstance,
		Overflowed:    res.Overflowed,
		Events:        make([]eventOutput, 0, len(res.Events)),
	}
	for _, e := range res.Events {
		out.Events = append(out.Events, eventOutput{Kind: e.Kind.String(), Path: e.Path})
	}
	return out
}

// writeResult prints a cycle result as text, json or yaml.
func writeResult(w io.Writer, res *watchman.Result, format string) error {
	switch format {
	case "", "text":
		for _, e := range res.Events {
			fmt.Fprintln(w, ui.RenderEvent(e))
		}
		return nil
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(newResultOutput(res))
	case "yaml":
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		if err := enc.Encode(newResultOutput(res)); err != nil {
			return err
		}
		return enc.Close()
	default:
		return fmt.Errorf("unknown output format %q (want text, json or yaml)", format)
	}
}

// printer is a sink writing one line per event.
func printer(w io.Writer) watchman.Sink {
	return watchman.SinkFunc(func(e watchman.Event) {
		fmt.Fprintln(w, ui.RenderEvent(e))
	})
}
