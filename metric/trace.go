package metric

import (
	"encoding/json"
	"strconv"
)

// MaxSecsTime is the highest timestamp treated as seconds. Anything larger
// is assumed to already be in milliseconds.
const MaxSecsTime int64 = 315550800000

// ToMs normalizes a timestamp to milliseconds, converting from seconds when
// the value looks like a seconds-resolution epoch.
func ToMs(ts int64) int64 {
	if ts <= MaxSecsTime {
		return ts * 1000
	}
	return ts
}

// Trace is a single immutable observation for a metric identity: one value
// and one millisecond timestamp. The value is a tagged union preserving the
// integer/float distinction of the wire form.
type Trace struct {
	Metric      *Metric
	IsDouble    bool
	LongValue   int64
	DoubleValue float64
	TimestampMs int64
}

// NewLongTrace builds an integer-valued trace. The timestamp is normalized
// to milliseconds.
func NewLongTrace(m *Metric, value int64, ts int64) *Trace {
	return &Trace{Metric: m, LongValue: value, TimestampMs: ToMs(ts)}
}

// NewDoubleTrace builds a float-valued trace. The timestamp is normalized
// to milliseconds.
func NewDoubleTrace(m *Metric, value float64, ts int64) *Trace {
	return &Trace{Metric: m, IsDouble: true, DoubleValue: value, TimestampMs: ToMs(ts)}
}

// Value returns the value as an untyped number.
func (t *Trace) Value() any {
	if t.IsDouble {
		return t.DoubleValue
	}
	return t.LongValue
}

// ValueString renders the value without losing the integer/float
// distinction.
func (t *Trace) ValueString() string {
	if t.IsDouble {
		return strconv.FormatFloat(t.DoubleValue, 'f', -1, 64)
	}
	return strconv.FormatInt(t.LongValue, 10)
}

// traceJSON matches the wire shape of a JSON submission.
type traceJSON struct {
	Metric    string            `json:"metric"`
	Timestamp int64             `json:"timestamp"`
	Value     json.Number       `json:"value"`
	Tags      map[string]string `json:"tags,omitempty"`
}

// MarshalJSON implements json.Marshaler, producing the submission wire
// shape: {"metric","timestamp","value","tags"}.
func (t *Trace) MarshalJSON() ([]byte, error) {
	return json.Marshal(traceJSON{
		Metric:    t.Metric.Name(),
		Timestamp: t.TimestampMs,
		Value:     json.Number(t.ValueString()),
		Tags:      t.Metric.TagMap(),
	})
}
