package metric

// EventKind classifies a cache lifecycle or value event.
type EventKind int

const (
	// EventNewMetric fires when an identity is cached for the first time.
	EventNewMetric EventKind = iota
	// EventExpiredMetric fires when the expiry sweep evicts an entry.
	EventExpiredMetric
	// EventData fires on a submission for an entry with subscribers.
	EventData
)

// String returns the wire name of the event kind.
func (k EventKind) String() string {
	switch k {
	case EventNewMetric:
		return "NEW_METRIC"
	case EventExpiredMetric:
		return "EXPIRED_METRIC"
	case EventData:
		return "DATA"
	default:
		return "UNKNOWN"
	}
}

// ParseEventKind maps a wire name back to its kind.
func ParseEventKind(s string) (EventKind, bool) {
	switch s {
	case "NEW_METRIC":
		return EventNewMetric, true
	case "EXPIRED_METRIC":
		return EventExpiredMetric, true
	case "DATA":
		return EventData, true
	default:
		return 0, false
	}
}

// Event is one cache notification delivered to registered listeners off the
// producer's call stack.
type Event struct {
	Kind        EventKind
	Metric      *Metric
	IsDouble    bool
	LongValue   int64
	DoubleValue float64
	TimestampMs int64
	// Sequence is the per-entry submission serial for DATA events, -1 for
	// snapshots and lifecycle events.
	Sequence int64
}

// Value returns the event value as an untyped number.
func (e Event) Value() any {
	if e.IsDouble {
		return e.DoubleValue
	}
	return e.LongValue
}
