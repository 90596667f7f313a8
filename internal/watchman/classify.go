package watchman

// ShouldOverflow reports whether n surviving descriptors exceed the
// threshold. The comparison is strict, so a negative threshold overflows
// even an empty batch.
func ShouldOverflow(n, threshold int) bool {
	return n > threshold
}

// Classify maps a descriptor's flags to an event kind.
//
// Non-existence wins over "new": an entry that was created and removed
// again between two queries arrives as new && !exists, and the build
// must not believe it is present.
func Classify(d ChangeDescriptor) Kind {
	switch {
	case !d.Exists:
		return KindDelete
	case d.IsNew:
		return KindCreate
	default:
		return KindModify
	}
}

// ClassifyAll turns descriptors into events, preserving order.
func ClassifyAll(files []ChangeDescriptor) []Event {
	events := make([]Event, 0, len(files))
	for _, f := range files {
		events = append(events, Event{Kind: Classify(f), Path: f.Path})
	}
	return events
}
