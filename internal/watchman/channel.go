package watchman

import (
	"context"
	"fmt"
	"io"
)

// Channel is the byte pipe to the watching daemon. The query is written
// to Input and the complete response is read from Output until EOF.
//
// If Input implements io.Closer it is closed after the query is written,
// which is how a subprocess learns the query is complete. If the Channel
// itself implements io.Closer, the watcher closes it once the response
// has been read.
type Channel interface {
	Input() io.Writer
	Output() io.Reader
}

// Opener returns a fresh Channel for a single invocation.
type Opener func(ctx context.Context) (Channel, error)

// Query writes payload to the channel and returns its entire response.
//
// There is no framing other than end-of-stream, so the response is
// buffered in full before anything is parsed. Errors wrap ErrChannel and
// are never retried here.
func Query(ch Channel, payload string) ([]byte, error) {
	if ch == nil {
		return nil, fmt.Errorf("%w: no channel", ErrChannel)
	}

	in := ch.Input()
	if in == nil {
		return nil, fmt.Errorf("%w: channel has no input", ErrChannel)
	}
	if _, err := io.WriteString(in, payload); err != nil {
		return nil, fmt.Errorf("%w: failed to write query: %v", ErrChannel, err)
	}
	if closer, ok := in.(io.Closer); ok {
		if err := closer.Close(); err != nil {
			return nil, fmt.Errorf("%w: failed to close query input: %v", ErrChannel, err)
		}
	}

	out := ch.Output()
	if out == nil {
		return nil, fmt.Errorf("%w: channel has no output", ErrChannel)
	}
	data, err := io.ReadAll(out)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrChannel, err)
	}

	return data, nil
}
