package watchman

// Sink receives classified events. Implementations are supplied by the
// caller; the watcher keeps no listener registry of its own.
type Sink interface {
	Post(event Event)
}

// SinkFunc adapts a function to a Sink.
type SinkFunc func(Event)

// Post calls f(event).
func (f SinkFunc) Post(event Event) { f(event) }

// Emit posts events to sink in order.
func Emit(sink Sink, events []Event) {
	for _, event := range events {
		sink.Post(event)
	}
}
