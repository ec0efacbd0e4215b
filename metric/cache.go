package metric

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/pkg/worker"
	"github.com/nickman/tsdblite/registry"
)

// CacheConfig holds the cache engine settings.
type CacheConfig struct {
	// Expiry is the maximum inactivity before an entry is evicted.
	Expiry time.Duration
	// ExpiryPeriod is the interval between sweeps.
	ExpiryPeriod time.Duration
	// ExpiryWorkers bounds the per-entry check pool.
	ExpiryWorkers int
	// MinTags and MaxTags bound accepted tag counts.
	MinTags int
	MaxTags int
	// EventBuffer sizes the event dispatch channel.
	EventBuffer int
}

// DefaultCacheConfig returns the cache defaults.
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		Expiry:        5 * time.Minute,
		ExpiryPeriod:  15 * time.Second,
		ExpiryWorkers: 4,
		MinTags:       1,
		MaxTags:       8,
		EventBuffer:   1024,
	}
}

// holder is the single-flight construction slot for one hash. Exactly one
// caller runs the constructor; concurrent callers wait on the Once and see
// the winner's entry.
type holder struct {
	once  sync.Once
	entry *Entry
}

// Cache is the concurrent last-value metric cache: identity resolution with
// single-flight entry creation, submission updates, TTL expiry sweeping and
// event dispatch to registered listeners.
type Cache struct {
	cfg     CacheConfig
	logger  *slog.Logger
	exposer registry.Exposer

	entries sync.Map // uint64 -> *holder

	size          atomic.Int64
	bad           atomic.Int64
	expired       atomic.Int64
	eventsDropped atomic.Int64

	events      chan Event
	listeners   []func(Event)
	createHooks []func(*Entry)

	running atomic.Bool
	done    chan struct{}
	wg      sync.WaitGroup

	sweep    *sweeper
	metrics  *cacheMetrics
	poolOpts []worker.Option[expiryTask]
}

type cacheMetrics struct {
	size          prometheus.Gauge
	bad           prometheus.Counter
	expired       prometheus.Counter
	eventsDropped prometheus.Counter
	sweepDispatch prometheus.Gauge
	sweepElapsed  prometheus.Gauge
}

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheMetrics registers the cache instruments and wires the expiry pool
// metrics.
func WithCacheMetrics(reg *registry.Registry) CacheOption {
	return func(c *Cache) {
		m := &cacheMetrics{
			size: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tsdblite_cache_size",
				Help: "Current number of live cached metrics",
			}),
			bad: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tsdblite_cache_bad_submissions_total",
				Help: "Submissions dropped for invalid identity or cache miss",
			}),
			expired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tsdblite_cache_expired_total",
				Help: "Entries evicted by the expiry sweep",
			}),
			eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "tsdblite_cache_events_dropped_total",
				Help: "Cache events dropped due to a full dispatch buffer",
			}),
			sweepDispatch: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tsdblite_cache_sweep_dispatch_ms",
				Help: "Milliseconds the last sweep spent dispatching checks",
			}),
			sweepElapsed: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "tsdblite_cache_sweep_elapsed_ms",
				Help: "Total milliseconds of the last sweep",
			}),
		}
		reg.MustRegister("cache", "tsdblite_cache_size", m.size)
		reg.MustRegister("cache", "tsdblite_cache_bad_submissions_total", m.bad)
		reg.MustRegister("cache", "tsdblite_cache_expired_total", m.expired)
		reg.MustRegister("cache", "tsdblite_cache_events_dropped_total", m.eventsDropped)
		reg.MustRegister("cache", "tsdblite_cache_sweep_dispatch_ms", m.sweepDispatch)
		reg.MustRegister("cache", "tsdblite_cache_sweep_elapsed_ms", m.sweepElapsed)
		c.metrics = m

		c.poolOpts = append(c.poolOpts,
			worker.WithMetrics[expiryTask](reg, "tsdblite_expiry"))
	}
}

// NewCache creates the cache engine. The exposer may be a NoopExposer; the
// logger must not be nil.
func NewCache(cfg CacheConfig, exposer registry.Exposer, logger *slog.Logger, opts ...CacheOption) *Cache {
	if cfg.ExpiryWorkers <= 0 {
		cfg.ExpiryWorkers = 4
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 1024
	}
	if exposer == nil {
		exposer = registry.NoopExposer{}
	}

	c := &Cache{
		cfg:     cfg,
		logger:  logger.With("component", "cache"),
		exposer: exposer,
		events:  make(chan Event, cfg.EventBuffer),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(c)
	}

	c.sweep = newSweeper(c)
	return c
}

// AddListener registers an event listener. Listeners must be registered
// before Start; each listener runs on the dispatcher goroutine with panic
// isolation.
func (c *Cache) AddListener(fn func(Event)) {
	if c.running.Load() {
		c.logger.Warn("listener registered after start, ignoring")
		return
	}
	c.listeners = append(c.listeners, fn)
}

// AddCreateHook registers a synchronous hook invoked on the creating
// caller's goroutine when an entry is first cached, before the NEW_METRIC
// event is queued. Hooks maintain subscriber interest so the entry's first
// submission already sees its subscriber count; they must be fast and must
// not call back into the cache. Register before Start.
func (c *Cache) AddCreateHook(fn func(*Entry)) {
	if c.running.Load() {
		c.logger.Warn("create hook registered after start, ignoring")
		return
	}
	c.createHooks = append(c.createHooks, fn)
}

// Start launches the event dispatcher and the expiry sweep loop.
func (c *Cache) Start(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.ErrAlreadyStarted
	}

	if err := c.sweep.start(ctx); err != nil {
		c.running.Store(false)
		return errors.Wrap(err, "Cache", "Start", "starting expiry pool")
	}

	c.wg.Add(1)
	go c.dispatch()

	c.logger.Info("metric cache started",
		"expiry", c.cfg.Expiry,
		"expiry_period", c.cfg.ExpiryPeriod,
		"expiry_workers", c.cfg.ExpiryWorkers,
		"tag_bounds", []int{c.cfg.MinTags, c.cfg.MaxTags})
	return nil
}

// Stop halts the sweep loop and dispatcher. Buffered events not yet
// delivered are discarded.
func (c *Cache) Stop(timeout time.Duration) error {
	if !c.running.CompareAndSwap(true, false) {
		return nil
	}

	close(c.done)
	err := c.sweep.stop(timeout)

	waited := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-time.After(timeout):
		c.logger.Warn("cache dispatcher did not drain before deadline")
	}

	c.logger.Info("metric cache stopped", "size", c.size.Load())
	return err
}

// GetOrCreate resolves (name, tags) to the single live entry for its
// identity, creating and registering it if absent. Tag count bounds are
// enforced before hashing.
func (c *Cache) GetOrCreate(name string, tags map[string]string) (*Entry, error) {
	m, err := New(name, tags)
	if err != nil {
		c.countBad()
		return nil, err
	}
	return c.GetOrCreateMetric(m)
}

// GetOrCreateMetric resolves a prebuilt identity to its entry.
func (c *Cache) GetOrCreateMetric(m *Metric) (*Entry, error) {
	if tc := m.TagCount(); tc < c.cfg.MinTags || tc > c.cfg.MaxTags {
		c.countBad()
		return nil, errors.WrapInvalid(errors.ErrTagCountOutOfRange,
			"Cache", "GetOrCreateMetric", "checking tag bounds")
	}

	h, _ := c.entries.LoadOrStore(m.Hash(), &holder{})
	hold := h.(*holder)

	hold.once.Do(func() {
		now := time.Now().UnixMilli()
		hold.entry = newEntry(m, now)
		c.size.Add(1)
		if c.metrics != nil {
			c.metrics.size.Inc()
		}

		if err := c.exposer.RegisterMetric(m.Hash(), m.String(), hold.entry); err != nil {
			// Exposure is best-effort; the entry stays cached.
			c.logger.Warn("metric exposure registration failed",
				"metric", m.String(), "error", err)
		}

		for _, hook := range c.createHooks {
			hook(hold.entry)
		}

		c.publish(Event{
			Kind:        EventNewMetric,
			Metric:      m,
			TimestampMs: now,
			Sequence:    -1,
		})
	})

	return hold.entry, nil
}

// Lookup returns the live entry for a hash, if present.
func (c *Cache) Lookup(hash uint64) (*Entry, bool) {
	h, ok := c.entries.Load(hash)
	if !ok {
		return nil, false
	}
	e := h.(*holder).entry
	if e == nil {
		return nil, false
	}
	return e, true
}

// Submit applies a resolved trace to its entry. A miss is counted as a bad
// submission and dropped; entries are only created during resolution.
func (c *Cache) Submit(tr *Trace) error {
	entry, ok := c.Lookup(tr.Metric.Hash())
	if !ok {
		c.countBad()
		return errors.WrapInvalid(errors.ErrMetricNotCached, "Cache", "Submit", "locating entry")
	}

	if ev, notify := entry.apply(tr, time.Now().UnixMilli()); notify {
		c.publish(ev)
	}
	return nil
}

// Range calls fn for every live entry until fn returns false.
func (c *Cache) Range(fn func(*Entry) bool) {
	c.entries.Range(func(_, v any) bool {
		e := v.(*holder).entry
		if e == nil {
			return true
		}
		return fn(e)
	})
}

// Size returns the live entry count.
func (c *Cache) Size() int64 { return c.size.Load() }

// Stats is a point-in-time snapshot of cache statistics.
type Stats struct {
	Size            int64 `json:"size"`
	BadSubmissions  int64 `json:"bad_submissions"`
	Expired         int64 `json:"expired"`
	EventsDropped   int64 `json:"events_dropped"`
	SweepDispatchMs int64 `json:"sweep_dispatch_ms"`
	SweepElapsedMs  int64 `json:"sweep_elapsed_ms"`
}

// Stats returns current statistics.
func (c *Cache) Stats() Stats {
	return Stats{
		Size:            c.size.Load(),
		BadSubmissions:  c.bad.Load(),
		Expired:         c.expired.Load(),
		EventsDropped:   c.eventsDropped.Load(),
		SweepDispatchMs: c.sweep.dispatchMs.Load(),
		SweepElapsedMs:  c.sweep.elapsedMs.Load(),
	}
}

func (c *Cache) countBad() {
	c.bad.Add(1)
	if c.metrics != nil {
		c.metrics.bad.Inc()
	}
}

// publish queues an event for dispatch, dropping when the buffer is full.
func (c *Cache) publish(ev Event) {
	select {
	case c.events <- ev:
	default:
		c.eventsDropped.Add(1)
		if c.metrics != nil {
			c.metrics.eventsDropped.Inc()
		}
	}
}

// dispatch delivers events to listeners off the producer call stack.
func (c *Cache) dispatch() {
	defer c.wg.Done()

	for {
		select {
		case <-c.done:
			return
		case ev := <-c.events:
			for _, fn := range c.listeners {
				c.deliver(fn, ev)
			}
		}
	}
}

func (c *Cache) deliver(fn func(Event), ev Event) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("event listener panicked",
				"kind", ev.Kind.String(), "metric", ev.Metric.String(), "panic", r)
		}
	}()
	fn(ev)
}
