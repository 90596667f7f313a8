package journal

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// ExportJSONL writes matching events to w, one JSON object per line, in
// emission order. Returns the number of lines written.
func (db *DB) ExportJSONL(ctx context.Context, w io.Writer, f Filter) (int, error) {
	entries, err := db.ListEvents(ctx, f)
	if err != nil {
		return 0, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for i, e := range entries {
		if err := enc.Encode(e); err != nil {
			return i, fmt.Errorf("failed to encode event %d/%d: %w", e.CycleID, e.Seq, err)
		}
	}
	if err := bw.Flush(); err != nil {
		return len(entries), fmt.Errorf("failed to flush export: %w", err)
	}
	return len(entries), nil
}

// ExportFile writes the export to path, replacing it atomically.
func (db *DB) ExportFile(ctx context.Context, path string, f Filter) (int, error) {
	tmp := path + ".tmp"
	// #nosec G304 - controlled path from CLI
	file, err := os.Create(tmp)
	if err != nil {
		return 0, fmt.Errorf("failed to create export file: %w", err)
	}

	n, err := db.ExportJSONL(ctx, file, f)
	if cerr := file.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("failed to close export file: %w", cerr)
	}
	if err != nil {
		_ = os.Remove(tmp)
		return n, err
	}

	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return n, fmt.Errorf("failed to move export into place: %w", err)
	}
	return n, nil
}
