package sub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/pkg/worker"
	"github.com/nickman/tsdblite/registry"
)

// Config holds the fan-out settings.
type Config struct {
	// DispatchWorkers bounds the delivery pool.
	DispatchWorkers int
	// DispatchQueue sizes the delivery queue.
	DispatchQueue int
	// WriteTimeout bounds one channel write.
	WriteTimeout time.Duration
}

// DefaultConfig returns the fan-out defaults.
func DefaultConfig() Config {
	return Config{
		DispatchWorkers: 4,
		DispatchQueue:   2048,
		WriteTimeout:    5 * time.Second,
	}
}

// delivery is one queued channel write.
type delivery struct {
	ch      *Channel
	payload any
	kind    string
}

// subHolder is the single-flight construction slot for one subscription
// identity, mirroring the cache's entry holders.
type subHolder struct {
	once sync.Once
	sub  *Subscription
}

// Manager owns the live subscriptions: get-or-create per (pattern, kinds),
// membership maintenance from cache events, snapshot-on-join, and delivery
// through a bounded pool with per-channel error isolation.
type Manager struct {
	cfg    Config
	cache  *metric.Cache
	logger *slog.Logger
	pool   *worker.Pool[delivery]
	core   *registry.CoreMetrics

	subs sync.Map // uint64 -> *subHolder

	mu        sync.Mutex
	byChannel map[*Channel]map[uint64]struct{}

	handlers map[string]handlerFunc
	poolOpts []worker.Option[delivery]
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithManagerMetrics wires the dispatch counters and pool instruments.
func WithManagerMetrics(reg *registry.Registry) ManagerOption {
	return func(m *Manager) {
		m.core = reg.Core
		m.poolOpts = append(m.poolOpts, worker.WithMetrics[delivery](reg, "tsdblite_fanout"))
	}
}

// NewManager creates the subscription manager and registers its cache
// listener. Construct before the cache is started.
func NewManager(cfg Config, cache *metric.Cache, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if cfg.DispatchWorkers <= 0 {
		cfg.DispatchWorkers = 4
	}
	if cfg.DispatchQueue <= 0 {
		cfg.DispatchQueue = 2048
	}

	m := &Manager{
		cfg:       cfg,
		cache:     cache,
		logger:    logger.With("component", "sub"),
		byChannel: make(map[*Channel]map[uint64]struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}

	m.pool = worker.NewPool(cfg.DispatchWorkers, cfg.DispatchQueue, m.deliver, m.poolOpts...)
	m.registerHandlers()
	cache.AddCreateHook(m.onEntryCreated)
	cache.AddListener(m.onCacheEvent)
	return m
}

// onEntryCreated runs synchronously on the creating goroutine so a new
// entry's first submission already carries the subscriber interest of every
// matching subscription. Notification fan-out stays on the event path.
func (m *Manager) onEntryCreated(e *metric.Entry) {
	hash := e.Metric().Hash()
	m.subs.Range(func(_, v any) bool {
		s := v.(*subHolder).sub
		if s == nil || !s.pattern.Matches(e.Metric()) {
			return true
		}
		if s.track(hash) && s.kinds&MaskData != 0 {
			e.AddSubscriber()
		}
		return true
	})
}

// Start launches the delivery pool.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.pool.Start(ctx); err != nil {
		return errors.Wrap(err, "Manager", "Start", "starting dispatch pool")
	}
	m.logger.Info("subscription manager started",
		"dispatch_workers", m.cfg.DispatchWorkers, "dispatch_queue", m.cfg.DispatchQueue)
	return nil
}

// Stop drains the delivery pool.
func (m *Manager) Stop(timeout time.Duration) error {
	return m.pool.Stop(timeout)
}

// Subscribe resolves (pattern, kinds) to its single subscription, attaches
// the channel, and sends it a snapshot of every currently matched metric
// before live events arrive.
func (m *Manager) Subscribe(ch *Channel, patternStr string, kindNames []string) (*Subscription, error) {
	pattern, err := ParsePattern(patternStr)
	if err != nil {
		return nil, err
	}
	kinds, err := ParseKinds(kindNames)
	if err != nil {
		return nil, err
	}

	id := subscriptionHash(pattern, kinds)

	var s *Subscription
	for {
		h, _ := m.subs.LoadOrStore(id, &subHolder{})
		hold := h.(*subHolder)

		hold.once.Do(func() {
			sub := newSubscription(id, pattern, kinds)
			// Initial scan of the live population.
			m.cache.Range(func(e *metric.Entry) bool {
				if pattern.Matches(e.Metric()) {
					sub.track(e.Metric().Hash())
					if kinds&MaskData != 0 {
						e.AddSubscriber()
					}
				}
				return true
			})
			hold.sub = sub
			m.logger.Info("subscription created",
				"sub", id, "pattern", patternStr, "matches", sub.MatchCount())
		})

		s = hold.sub
		if s.addChannel(ch) {
			break
		}
		// A concurrent detach marked this subscription dead between the
		// holder load and the attach; retire the holder and retry fresh.
		m.subs.CompareAndDelete(id, h)
	}

	m.mu.Lock()
	ids, ok := m.byChannel[ch]
	if !ok {
		ids = make(map[uint64]struct{})
		m.byChannel[ch] = ids
	}
	ids[s.id] = struct{}{}
	m.mu.Unlock()

	// Cold-start snapshot for the joining channel only.
	for _, hash := range s.matchedHashes() {
		if entry, ok := m.cache.Lookup(hash); ok {
			m.enqueue(ch, newNotification(s.id, entry.Snapshot()), "snapshot")
		}
	}

	return s, nil
}

// Unsubscribe detaches a channel from one subscription.
func (m *Manager) Unsubscribe(ch *Channel, id uint64) error {
	h, ok := m.subs.Load(id)
	if !ok || h.(*subHolder).sub == nil {
		return errors.WrapInvalid(errors.ErrNoSubscription, "Manager", "Unsubscribe", "locating subscription")
	}
	hold := h.(*subHolder)

	removed, torndown := hold.sub.removeChannel(ch)
	if removed {
		m.mu.Lock()
		if ids, ok := m.byChannel[ch]; ok {
			delete(ids, id)
			if len(ids) == 0 {
				delete(m.byChannel, ch)
			}
		}
		m.mu.Unlock()
	}
	if torndown {
		m.teardown(hold)
	}
	return nil
}

// DetachChannel synchronously removes a closing channel from every
// subscription, tearing down those left with no subscribers.
func (m *Manager) DetachChannel(ch *Channel) {
	m.mu.Lock()
	ids := m.byChannel[ch]
	delete(m.byChannel, ch)
	m.mu.Unlock()

	for id := range ids {
		h, ok := m.subs.Load(id)
		if !ok || h.(*subHolder).sub == nil {
			continue
		}
		hold := h.(*subHolder)
		if _, torndown := hold.sub.removeChannel(ch); torndown {
			m.teardown(hold)
		}
	}
}

// teardown retires a dead subscription and releases its per-entry
// subscriber counts. The holder is deleted with a compare so a replacement
// created by a concurrent Subscribe retry is never evicted.
func (m *Manager) teardown(hold *subHolder) {
	s := hold.sub
	m.subs.CompareAndDelete(s.id, hold)
	if s.kinds&MaskData != 0 {
		for _, hash := range s.matchedHashes() {
			if entry, ok := m.cache.Lookup(hash); ok {
				entry.RemoveSubscriber()
			}
		}
	}
	m.logger.Info("subscription torn down", "sub", s.id, "pattern", s.pattern.String())
}

// SubscriptionCount returns the number of live subscriptions.
func (m *Manager) SubscriptionCount() int {
	n := 0
	m.subs.Range(func(_, v any) bool {
		if v.(*subHolder).sub != nil {
			n++
		}
		return true
	})
	return n
}

// QueryMetrics returns the rendered identities currently matching a
// pattern.
func (m *Manager) QueryMetrics(patternStr string) ([]string, error) {
	pattern, err := ParsePattern(patternStr)
	if err != nil {
		return nil, err
	}
	var out []string
	m.cache.Range(func(e *metric.Entry) bool {
		if pattern.Matches(e.Metric()) {
			out = append(out, e.Metric().String())
		}
		return true
	})
	return out, nil
}

// onCacheEvent maintains membership and fans out notifications. Runs on the
// cache dispatcher goroutine; delivery happens on the pool.
func (m *Manager) onCacheEvent(ev metric.Event) {
	hash := ev.Metric.Hash()

	m.subs.Range(func(_, v any) bool {
		s := v.(*subHolder).sub
		if s == nil {
			return true
		}

		switch ev.Kind {
		case metric.EventNewMetric:
			if !s.pattern.Matches(ev.Metric) {
				return true
			}
			// Membership was added by the create hook; a subscription
			// created in between picks the identity up here.
			if s.track(hash) && s.kinds&MaskData != 0 {
				if entry, ok := m.cache.Lookup(hash); ok {
					entry.AddSubscriber()
				}
			}
			if s.kinds.Has(metric.EventNewMetric) {
				n := newNotification(s.id, ev)
				if entry, ok := m.cache.Lookup(hash); ok {
					snap := entry.Snapshot()
					n.Value = snap.Value()
					n.TimeMs = snap.TimestampMs
					n.Serial = snap.Sequence
				}
				m.fanOut(s, n, "new_metric")
			}

		case metric.EventExpiredMetric:
			if !s.untrack(hash) {
				return true
			}
			if s.kinds.Has(metric.EventExpiredMetric) {
				m.fanOut(s, newNotification(s.id, ev), "expired_metric")
			}

		case metric.EventData:
			if s.kinds.Has(metric.EventData) && s.tracks(hash) {
				m.fanOut(s, newNotification(s.id, ev), "data")
			}
		}
		return true
	})
}

// fanOut queues one delivery per subscribed channel.
func (m *Manager) fanOut(s *Subscription, n notification, kind string) {
	for _, ch := range s.channelList() {
		m.enqueue(ch, n, kind)
	}
}

func (m *Manager) enqueue(ch *Channel, payload any, kind string) {
	if err := m.pool.Submit(delivery{ch: ch, payload: payload, kind: kind}); err != nil {
		// At-most-once: a full queue drops the event for this channel.
		m.logger.Warn("event delivery dropped", "kind", kind, "error", err)
	}
}

// deliver is the pool processor: one channel write, errors isolated per
// channel.
func (m *Manager) deliver(_ context.Context, d delivery) error {
	if err := d.ch.Send(d.payload); err != nil {
		if !errors.Is(err, errors.ErrChannelClosed) {
			m.logger.Warn("channel write failed", "session", d.ch.Session(), "error", err)
		}
		return err
	}
	if m.core != nil {
		m.core.EventsDispatched.WithLabelValues(d.kind).Inc()
	}
	return nil
}
