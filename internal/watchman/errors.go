package watchman

import "errors"

// Errors returned by PostEvents and the pipeline stages.
//
// Both ErrChannel and ErrMalformedResponse mean no usable change
// information was obtained for the cycle:
//
//	if watchman.IsRescanRequired(err) {
//	    // rebuild as if every watched file changed
//	}
var (
	// ErrChannel is returned when writing the query to, or reading the
	// response from, the daemon channel fails.
	ErrChannel = errors.New("watchman channel failure")

	// ErrMalformedResponse is returned when the daemon's reply does not
	// decode into the expected shape.
	ErrMalformedResponse = errors.New("malformed watchman response")

	// ErrNilSink is returned when PostEvents is called without a sink.
	ErrNilSink = errors.New("nil event sink")
)

// IsRescanRequired reports whether err means the cycle produced no
// trustworthy change information, so the caller must fall back to
// treating every watched file as changed.
func IsRescanRequired(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrChannel) || errors.Is(err, ErrMalformedResponse)
}
