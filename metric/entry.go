package metric

import (
	"sync"
	"sync/atomic"
)

// Entry is the live mutable state for one cached metric identity: its last
// value, last submission and activity timestamps, and its subscriber count.
// The value/timestamp triplet is guarded by one mutex so readers never see a
// torn update.
type Entry struct {
	metric *Metric

	mu               sync.Mutex
	isDouble         bool
	longValue        int64
	doubleValue      float64
	lastSubmissionMs int64
	lastActivityMs   int64
	seq              int64

	subscribers atomic.Int32
}

func newEntry(m *Metric, nowMs int64) *Entry {
	return &Entry{metric: m, lastActivityMs: nowMs}
}

// Metric returns the immutable identity of this entry.
func (e *Entry) Metric() *Metric { return e.metric }

// apply records a submission. When the entry has subscribers it returns a
// DATA event carrying the next per-entry sequence number.
func (e *Entry) apply(tr *Trace, nowMs int64) (Event, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.isDouble = tr.IsDouble
	e.longValue = tr.LongValue
	e.doubleValue = tr.DoubleValue
	e.lastSubmissionMs = tr.TimestampMs
	e.lastActivityMs = nowMs

	if e.subscribers.Load() <= 0 {
		return Event{}, false
	}

	e.seq++
	return Event{
		Kind:        EventData,
		Metric:      e.metric,
		IsDouble:    tr.IsDouble,
		LongValue:   tr.LongValue,
		DoubleValue: tr.DoubleValue,
		TimestampMs: tr.TimestampMs,
		Sequence:    e.seq,
	}, true
}

// Snapshot returns the current value as a DATA-shaped event with sequence
// -1, used for cold-start snapshots to new subscribers.
func (e *Entry) Snapshot() Event {
	e.mu.Lock()
	defer e.mu.Unlock()

	return Event{
		Kind:        EventData,
		Metric:      e.metric,
		IsDouble:    e.isDouble,
		LongValue:   e.longValue,
		DoubleValue: e.doubleValue,
		TimestampMs: e.lastSubmissionMs,
		Sequence:    -1,
	}
}

// LastActivityMs returns the last submission wall-clock time.
func (e *Entry) LastActivityMs() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastActivityMs
}

// AddSubscriber increments the subscriber count.
func (e *Entry) AddSubscriber() { e.subscribers.Add(1) }

// RemoveSubscriber decrements the subscriber count.
func (e *Entry) RemoveSubscriber() { e.subscribers.Add(-1) }

// Subscribers returns the current subscriber count.
func (e *Entry) Subscribers() int { return int(e.subscribers.Load()) }

// Attributes returns the exposure snapshot for the external registry.
func (e *Entry) Attributes() map[string]any {
	e.mu.Lock()
	defer e.mu.Unlock()

	var value any
	if e.isDouble {
		value = e.doubleValue
	} else {
		value = e.longValue
	}
	return map[string]any{
		"metric":          e.metric.String(),
		"hash":            e.metric.Hash(),
		"last_value":      value,
		"last_submission": e.lastSubmissionMs,
		"last_activity":   e.lastActivityMs,
		"subscribers":     int(e.subscribers.Load()),
	}
}
