// Package registry manages Prometheus metric registration for tsdblite
// components. Every component registers its instruments through the shared
// Registry so the /metrics endpoint exposes one coherent surface.
package registry

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nickman/tsdblite/errors"
)

// Registrar defines the interface for registering component metrics.
type Registrar interface {
	Register(component, name string, c prometheus.Collector) error
	MustRegister(component, name string, c prometheus.Collector)
	Unregister(component, name string) bool
}

// Registry manages the registration and lifecycle of metrics. It wraps a
// private prometheus.Registry so tests can build isolated instances without
// colliding on the global default registry.
type Registry struct {
	prom       *prometheus.Registry
	Core       *CoreMetrics
	registered map[string]prometheus.Collector
	mu         sync.RWMutex
}

// New creates a metrics registry with the core server metrics plus the Go
// runtime and process collectors.
func New() *Registry {
	r := &Registry{
		prom:       prometheus.NewRegistry(),
		registered: make(map[string]prometheus.Collector),
	}

	r.Core = newCoreMetrics()
	r.Core.mustRegisterAll(r.prom)

	r.prom.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return r
}

// Prometheus returns the underlying Prometheus registry.
func (r *Registry) Prometheus() *prometheus.Registry {
	return r.prom
}

// Handler returns an http.Handler serving the registry in exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prom, promhttp.HandlerOpts{})
}

// Register registers a collector under component.name. Registering the same
// key twice is an invalid-class error; a Prometheus descriptor conflict from
// an unrelated collector is fatal.
func (r *Registry) Register(component, name string, c prometheus.Collector) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)

	if _, exists := r.registered[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", name, component),
			"Registry", "Register", "duplicate metric registration")
	}

	if err := r.prom.Register(c); err != nil {
		var already prometheus.AlreadyRegisteredError
		if stderrors.As(err, &already) {
			return errors.WrapInvalid(err, "Registry", "Register",
				fmt.Sprintf("prometheus conflict for metric %s", name))
		}
		return errors.WrapFatal(err, "Registry", "Register",
			"registering collector with prometheus")
	}

	r.registered[key] = c
	return nil
}

// MustRegister is Register but panics on error. Used during component
// construction where a registration failure is a programming error.
func (r *Registry) MustRegister(component, name string, c prometheus.Collector) {
	if err := r.Register(component, name, c); err != nil {
		panic(err)
	}
}

// Unregister removes a metric from the registry. Returns true when the
// collector was found and removed.
func (r *Registry) Unregister(component, name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", component, name)

	c, exists := r.registered[key]
	if !exists {
		return false
	}

	ok := r.prom.Unregister(c)
	if ok {
		delete(r.registered, key)
	}

	return ok
}
