package registry

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/errors"
)

func TestNewRegistersCoreMetrics(t *testing.T) {
	r := New()
	require.NotNil(t, r.Core)

	r.Core.TracesIngested.WithLabelValues("plaintext").Inc()
	r.Core.ConnectionsOpen.WithLabelValues("http").Set(2)

	families, err := r.Prometheus().Gather()
	require.NoError(t, err)

	names := make(map[string]bool, len(families))
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["tsdblite_traces_ingested_total"])
	assert.True(t, names["tsdblite_connections_open"])
	// Runtime collectors ride along.
	assert.True(t, names["go_goroutines"])
}

func TestRegisterRejectsDuplicateKey(t *testing.T) {
	r := New()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter_total",
		Help: "test",
	})
	require.NoError(t, r.Register("cache", "test_counter_total", c))

	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "test_counter2_total",
		Help: "test",
	})
	err := r.Register("cache", "test_counter_total", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestRegisterRejectsPrometheusConflict(t *testing.T) {
	r := New()

	c := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "test",
	})
	require.NoError(t, r.Register("a", "conflict_total", c))

	// Same descriptor under a different key still collides in prometheus.
	c2 := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "conflict_total",
		Help: "test",
	})
	err := r.Register("b", "conflict_total", c2)
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestUnregister(t *testing.T) {
	r := New()

	c := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "removable_gauge",
		Help: "test",
	})
	require.NoError(t, r.Register("cache", "removable_gauge", c))

	assert.True(t, r.Unregister("cache", "removable_gauge"))
	assert.False(t, r.Unregister("cache", "removable_gauge"))

	// Re-registering after unregister succeeds.
	require.NoError(t, r.Register("cache", "removable_gauge", c))
}

func TestHandlerServesMetrics(t *testing.T) {
	r := New()
	assert.NotNil(t, r.Handler())
}
