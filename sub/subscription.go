package sub

import (
	"sync"

	"github.com/nickman/tsdblite/metric"
)

// Subscription is one live (pattern, event-kinds) registration: the
// incrementally maintained set of matching identities plus the channels
// receiving its notifications.
type Subscription struct {
	id      uint64
	pattern *Pattern
	kinds   EventMask

	mu       sync.RWMutex
	matched  map[uint64]struct{}
	channels map[*Channel]struct{}
	// dead is set when the last channel leaves; a dead subscription never
	// accepts another channel, so a concurrent join retries with a fresh one.
	dead bool
}

func newSubscription(id uint64, pattern *Pattern, kinds EventMask) *Subscription {
	return &Subscription{
		id:       id,
		pattern:  pattern,
		kinds:    kinds,
		matched:  make(map[uint64]struct{}),
		channels: make(map[*Channel]struct{}),
	}
}

// ID returns the subscription identity hash.
func (s *Subscription) ID() uint64 { return s.id }

// Pattern returns the parsed pattern.
func (s *Subscription) Pattern() *Pattern { return s.pattern }

// Kinds returns the subscribed event mask.
func (s *Subscription) Kinds() EventMask { return s.kinds }

// track adds an identity to the matched set; reports whether it was new.
func (s *Subscription) track(hash uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matched[hash]; ok {
		return false
	}
	s.matched[hash] = struct{}{}
	return true
}

// untrack removes an identity; reports whether it was tracked.
func (s *Subscription) untrack(hash uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.matched[hash]; !ok {
		return false
	}
	delete(s.matched, hash)
	return true
}

// tracks reports whether an identity is currently matched.
func (s *Subscription) tracks(hash uint64) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.matched[hash]
	return ok
}

// matchedHashes snapshots the matched set.
func (s *Subscription) matchedHashes() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]uint64, 0, len(s.matched))
	for h := range s.matched {
		out = append(out, h)
	}
	return out
}

// MatchCount returns the current matched identity count.
func (s *Subscription) MatchCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.matched)
}

// addChannel registers a subscriber channel. It reports false when the
// subscription has already been marked dead by a concurrent teardown.
func (s *Subscription) addChannel(ch *Channel) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		return false
	}
	s.channels[ch] = struct{}{}
	return true
}

// removeChannel drops a channel. Exactly one removal observes the set going
// empty; that caller marks the subscription dead and owns the teardown.
func (s *Subscription) removeChannel(ch *Channel) (removed, torndown bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.channels[ch]; !ok {
		return false, false
	}
	delete(s.channels, ch)
	if len(s.channels) == 0 && !s.dead {
		s.dead = true
		return true, true
	}
	return true, false
}

// channelList snapshots the subscriber channels.
func (s *Subscription) channelList() []*Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*Channel, 0, len(s.channels))
	for ch := range s.channels {
		out = append(out, ch)
	}
	return out
}

// notification is the wire shape of a fan-out message, reusing the compact
// {m,v,t,s} submission notification fields.
type notification struct {
	Type   string `json:"type"`
	SubID  uint64 `json:"sub"`
	Metric string `json:"m"`
	Value  any    `json:"v,omitempty"`
	TimeMs int64  `json:"t,omitempty"`
	Serial int64  `json:"s,omitempty"`
}

func newNotification(subID uint64, ev metric.Event) notification {
	n := notification{
		Type:   ev.Kind.String(),
		SubID:  subID,
		Metric: ev.Metric.String(),
	}
	if ev.Kind != metric.EventExpiredMetric {
		n.Value = ev.Value()
		n.TimeMs = ev.TimestampMs
		n.Serial = ev.Sequence
	}
	return n
}
