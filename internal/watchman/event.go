package watchman

// Kind identifies what happened to a watched path.
type Kind int

const (
	// KindCreate indicates a path the daemon reports as newly created.
	KindCreate Kind = iota
	// KindModify indicates an existing path that changed.
	KindModify
	// KindDelete indicates a path that no longer exists.
	KindDelete
	// KindOverflow means per-file state cannot be trusted and every
	// watched file must be assumed changed. It carries no path.
	KindOverflow
)

// String returns a human-readable representation of the kind.
func (k Kind) String() string {
	switch k {
	case KindCreate:
		return "create"
	case KindModify:
		return "modify"
	case KindDelete:
		return "delete"
	case KindOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, bool) {
	switch s {
	case "create":
		return KindCreate, true
	case "modify":
		return KindModify, true
	case "delete":
		return KindDelete, true
	case "overflow":
		return KindOverflow, true
	default:
		return 0, false
	}
}

// Event is one build-invalidation event.
type Event struct {
	Kind Kind
	// Path is the changed entry exactly as the daemon reported it.
	// Empty for KindOverflow.
	Path string
}

// OverflowEvent returns the sentinel event that replaces a whole batch.
func OverflowEvent() Event {
	return Event{Kind: KindOverflow}
}

// ChangeDescriptor is one raw entry from the daemon's "files" list.
type ChangeDescriptor struct {
	Path   string
	IsNew  bool
	Exists bool
}

// QueryResponse is the decoded daemon response.
type QueryResponse struct {
	Version         string
	Clock           string
	IsFreshInstance bool
	Files           []ChangeDescriptor
}

// Result describes one completed PostEvents invocation.
type Result struct {
	Version string
	// Clock is the daemon's opaque cursor; pass it back as "since" to
	// ask only for changes after this response.
	Clock string
	// IsFreshInstance is passed through untouched. The watcher never
	// acts on it; callers that want a full rescan after a daemon
	// restart must do so themselves.
	IsFreshInstance bool
	Overflowed      bool
	// Events holds exactly what was posted to the sink, in order.
	Events []Event
}
