package metric

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nickman/tsdblite/pkg/worker"
)

// expiryTask is one per-entry check dispatched onto the sweep pool.
type expiryTask struct {
	entry *Entry
	nowMs int64
	wg    *sync.WaitGroup
}

// sweeper runs the serialized expiry loop: each sweep snapshots the live
// population, fans per-entry checks onto a bounded pool, and joins them all
// before the next sleep. Check failures are isolated per entry.
type sweeper struct {
	cache *Cache
	pool  *worker.Pool[expiryTask]

	dispatchMs atomic.Int64
	elapsedMs  atomic.Int64

	wg sync.WaitGroup
}

func newSweeper(c *Cache) *sweeper {
	s := &sweeper{cache: c}
	s.pool = worker.NewPool(c.cfg.ExpiryWorkers, c.cfg.ExpiryWorkers*64, s.check, c.poolOpts...)
	return s
}

func (s *sweeper) start(ctx context.Context) error {
	if err := s.pool.Start(ctx); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.loop()
	return nil
}

func (s *sweeper) stop(timeout time.Duration) error {
	loopDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(loopDone)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-loopDone:
	case <-timer.C:
		return worker.ErrStopTimeout
	}
	return s.pool.Stop(timeout)
}

func (s *sweeper) loop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cache.cfg.ExpiryPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-s.cache.done:
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

// sweepOnce dispatches one check per live entry and blocks until every
// check completes, keeping sweeps strictly serialized.
func (s *sweeper) sweepOnce() {
	start := time.Now()
	now := start.UnixMilli()

	var wg sync.WaitGroup
	s.cache.Range(func(e *Entry) bool {
		wg.Add(1)
		if err := s.pool.Submit(expiryTask{entry: e, nowMs: now, wg: &wg}); err != nil {
			// Entry gets rechecked on the next sweep.
			wg.Done()
			s.cache.logger.Debug("expiry check not dispatched",
				"metric", e.Metric().String(), "error", err)
		}
		return true
	})

	dispatch := time.Since(start).Milliseconds()

	joined := make(chan struct{})
	go func() {
		wg.Wait()
		close(joined)
	}()
	select {
	case <-joined:
	case <-s.cache.done:
		// Shutting down: stop waiting on outstanding checks.
		return
	}
	elapsed := time.Since(start).Milliseconds()

	s.dispatchMs.Store(dispatch)
	s.elapsedMs.Store(elapsed)
	if s.cache.metrics != nil {
		s.cache.metrics.sweepDispatch.Set(float64(dispatch))
		s.cache.metrics.sweepElapsed.Set(float64(elapsed))
	}
}

// check is the pool processor for one entry.
func (s *sweeper) check(_ context.Context, task expiryTask) error {
	defer task.wg.Done()

	age := task.nowMs - task.entry.LastActivityMs()
	if age <= s.cache.cfg.Expiry.Milliseconds() {
		return nil
	}

	s.cache.expire(task.entry)
	return nil
}

// expire removes an entry from the cache and the exposure surface and
// publishes the EXPIRED_METRIC event.
func (c *Cache) expire(e *Entry) {
	m := e.Metric()
	if _, loaded := c.entries.LoadAndDelete(m.Hash()); !loaded {
		return
	}

	c.size.Add(-1)
	c.expired.Add(1)
	if c.metrics != nil {
		c.metrics.size.Dec()
		c.metrics.expired.Inc()
	}

	if err := c.exposer.UnregisterMetric(m.Hash()); err != nil {
		c.logger.Warn("metric exposure unregistration failed",
			"metric", m.String(), "error", err)
	}

	c.publish(Event{
		Kind:        EventExpiredMetric,
		Metric:      m,
		TimestampMs: time.Now().UnixMilli(),
		Sequence:    -1,
	})

	c.logger.Debug("metric expired", "metric", m.String())
}
