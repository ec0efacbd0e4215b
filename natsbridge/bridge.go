// Package natsbridge republishes cache events to NATS subjects so external
// consumers can follow the metric population without a WebSocket session.
package natsbridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/nickman/tsdblite/config"
	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
	"github.com/nickman/tsdblite/pkg/retry"
)

// event is the published wire shape, matching the WebSocket notification
// minus the subscription id.
type event struct {
	Type   string `json:"type"`
	Metric string `json:"m"`
	Value  any    `json:"v,omitempty"`
	TimeMs int64  `json:"t,omitempty"`
	Serial int64  `json:"s,omitempty"`
}

// publisher is the slice of the NATS connection the bridge uses. Satisfied
// by *nats.Conn; narrowed for tests.
type publisher interface {
	Publish(subject string, data []byte) error
	IsConnected() bool
	FlushTimeout(timeout time.Duration) error
	Close()
}

// Bridge forwards cache events to NATS, fire-and-forget. Publishing starts
// after Start connects; events seen before that, or while disconnected, are
// dropped and counted.
type Bridge struct {
	cfg    config.NATSConfig
	logger *slog.Logger

	mu  sync.RWMutex
	pub publisher

	published atomic.Int64
	dropped   atomic.Int64
}

// New creates the bridge and registers its cache listener. Construct before
// the cache is started. A disabled bridge stays inert.
func New(cfg config.NATSConfig, cache *metric.Cache, logger *slog.Logger) *Bridge {
	b := &Bridge{
		cfg:    cfg,
		logger: logger.With("component", "natsbridge"),
	}
	if cfg.Enabled {
		cache.AddListener(b.onEvent)
	}
	return b
}

// Start connects to NATS with backoff. Returns nil immediately when the
// bridge is disabled.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.cfg.Enabled {
		return nil
	}

	opts := []nats.Option{
		nats.Name("tsdblite-bridge"),
		nats.MaxReconnects(b.cfg.MaxReconnects),
		nats.ReconnectWait(b.cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			b.logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			b.logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}

	conn, err := retry.DoWithResult(ctx, retry.Persistent(), func() (*nats.Conn, error) {
		return nats.Connect(b.cfg.URL, opts...)
	})
	if err != nil {
		return errors.WrapTransient(err, "Bridge", "Start", "connecting to nats")
	}

	b.setPublisher(conn)
	b.logger.Info("event bridge connected", "url", conn.ConnectedUrl(), "prefix", b.cfg.SubjectPrefix)
	return nil
}

func (b *Bridge) setPublisher(pub publisher) {
	b.mu.Lock()
	b.pub = pub
	b.mu.Unlock()
}

func (b *Bridge) publisher() publisher {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.pub
}

// Stop flushes and closes the connection.
func (b *Bridge) Stop(timeout time.Duration) error {
	b.mu.Lock()
	pub := b.pub
	b.pub = nil
	b.mu.Unlock()

	if pub == nil {
		return nil
	}
	if err := pub.FlushTimeout(timeout); err != nil {
		pub.Close()
		return errors.WrapTransient(err, "Bridge", "Stop", "flushing pending publishes")
	}
	pub.Close()
	b.logger.Info("event bridge stopped",
		"published", b.published.Load(), "dropped", b.dropped.Load())
	return nil
}

// Published returns the number of events successfully handed to NATS.
func (b *Bridge) Published() int64 { return b.published.Load() }

// Dropped returns the number of events discarded while disconnected.
func (b *Bridge) Dropped() int64 { return b.dropped.Load() }

// onEvent runs on the cache dispatcher goroutine; Publish only enqueues on
// the client's flusher, so it never blocks event delivery.
func (b *Bridge) onEvent(ev metric.Event) {
	conn := b.publisher()
	if conn == nil || !conn.IsConnected() {
		b.dropped.Add(1)
		return
	}

	payload, err := json.Marshal(event{
		Type:   ev.Kind.String(),
		Metric: ev.Metric.String(),
		Value:  eventValue(ev),
		TimeMs: eventTime(ev),
		Serial: eventSerial(ev),
	})
	if err != nil {
		b.dropped.Add(1)
		return
	}

	if err := conn.Publish(b.subject(ev.Kind), payload); err != nil {
		b.dropped.Add(1)
		b.logger.Debug("event publish failed", "error", err)
		return
	}
	b.published.Add(1)
}

func (b *Bridge) subject(kind metric.EventKind) string {
	prefix := b.cfg.SubjectPrefix
	if prefix == "" {
		prefix = "tsdblite"
	}
	switch kind {
	case metric.EventNewMetric:
		return prefix + ".metric.new"
	case metric.EventExpiredMetric:
		return prefix + ".metric.expired"
	default:
		return prefix + ".metric.data"
	}
}

func eventValue(ev metric.Event) any {
	if ev.Kind == metric.EventExpiredMetric {
		return nil
	}
	return ev.Value()
}

func eventTime(ev metric.Event) int64 {
	if ev.Kind == metric.EventExpiredMetric {
		return 0
	}
	return ev.TimestampMs
}

func eventSerial(ev metric.Event) int64 {
	if ev.Kind == metric.EventExpiredMetric {
		return 0
	}
	return ev.Sequence
}
