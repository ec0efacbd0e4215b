package registry

import (
	"path"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/nickman/tsdblite/errors"
)

// SnapshotProvider supplies the current attributes of a live metric for
// external exposure.
type SnapshotProvider interface {
	Attributes() map[string]any
}

// Exposer is the external exposure surface for live metrics. Cache entries
// are registered on creation and unregistered on expiry; exposure failures
// never roll back cache mutations.
type Exposer interface {
	RegisterMetric(id uint64, name string, provider SnapshotProvider) error
	UnregisterMetric(id uint64) error
	Query(pattern string) []uint64
	Attributes(id uint64) (map[string]any, bool)
}

// NoopExposer discards all registrations.
type NoopExposer struct{}

func (NoopExposer) RegisterMetric(uint64, string, SnapshotProvider) error { return nil }
func (NoopExposer) UnregisterMetric(uint64) error                        { return nil }
func (NoopExposer) Query(string) []uint64                                { return nil }
func (NoopExposer) Attributes(uint64) (map[string]any, bool)             { return nil, false }

type exposed struct {
	name     string
	provider SnapshotProvider
}

// PromExposer exposes registered live metrics as Prometheus const metrics,
// read from their snapshot providers at scrape time.
type PromExposer struct {
	mu      sync.RWMutex
	metrics map[uint64]exposed

	lastValueDesc  *prometheus.Desc
	lastSubmitDesc *prometheus.Desc
}

// NewPromExposer creates the exposer and registers it as a collector.
func NewPromExposer(reg *Registry) (*PromExposer, error) {
	e := &PromExposer{
		metrics: make(map[uint64]exposed),
		lastValueDesc: prometheus.NewDesc(
			"tsdblite_metric_last_value",
			"Last submitted value of a live metric",
			[]string{"metric"}, nil),
		lastSubmitDesc: prometheus.NewDesc(
			"tsdblite_metric_last_submission_ms",
			"Last submission timestamp of a live metric in epoch milliseconds",
			[]string{"metric"}, nil),
	}
	if err := reg.Register("exposer", "live_metrics", e); err != nil {
		return nil, err
	}
	return e, nil
}

// RegisterMetric adds a live metric to the exposure surface.
func (e *PromExposer) RegisterMetric(id uint64, name string, provider SnapshotProvider) error {
	if provider == nil {
		return errors.WrapInvalid(errors.ErrRegistrationFailed, "PromExposer", "RegisterMetric",
			"checking snapshot provider")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.metrics[id] = exposed{name: name, provider: provider}
	return nil
}

// UnregisterMetric removes a live metric from the exposure surface.
func (e *PromExposer) UnregisterMetric(id uint64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.metrics[id]; !ok {
		return errors.WrapInvalid(errors.ErrNotRegistered, "PromExposer", "UnregisterMetric",
			"locating registered metric")
	}
	delete(e.metrics, id)
	return nil
}

// Query returns the ids of registered metrics whose rendered name matches
// the glob pattern.
func (e *PromExposer) Query(pattern string) []uint64 {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var ids []uint64
	for id, m := range e.metrics {
		if ok, err := path.Match(pattern, m.name); err == nil && ok {
			ids = append(ids, id)
		}
	}
	return ids
}

// Attributes returns the current snapshot attributes for a registered
// metric.
func (e *PromExposer) Attributes(id uint64) (map[string]any, bool) {
	e.mu.RLock()
	m, ok := e.metrics[id]
	e.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return m.provider.Attributes(), true
}

// Describe implements prometheus.Collector.
func (e *PromExposer) Describe(ch chan<- *prometheus.Desc) {
	ch <- e.lastValueDesc
	ch <- e.lastSubmitDesc
}

// Collect implements prometheus.Collector, reading each provider snapshot
// at scrape time.
func (e *PromExposer) Collect(ch chan<- prometheus.Metric) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, m := range e.metrics {
		attrs := m.provider.Attributes()

		if v, ok := toFloat(attrs["last_value"]); ok {
			ch <- prometheus.MustNewConstMetric(e.lastValueDesc, prometheus.GaugeValue, v, m.name)
		}
		if v, ok := toFloat(attrs["last_submission"]); ok {
			ch <- prometheus.MustNewConstMetric(e.lastSubmitDesc, prometheus.GaugeValue, v, m.name)
		}
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
