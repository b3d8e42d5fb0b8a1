// Package metric manages Prometheus metric registration for bridge
// components. Each component registers its own collectors under a
// component-scoped key so duplicate registrations are caught early.
package metric

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/black-roland/meshtastic-bridge/errors"
)

// Registry manages the registration and lifecycle of metrics
type Registry struct {
	prometheusRegistry *prometheus.Registry
	registeredMetrics  map[string]prometheus.Collector
	mu                 sync.RWMutex
}

// NewRegistry creates a new metrics registry with Go runtime collectors
func NewRegistry() *Registry {
	prometheusRegistry := prometheus.NewRegistry()

	prometheusRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Registry{
		prometheusRegistry: prometheusRegistry,
		registeredMetrics:  make(map[string]prometheus.Collector),
	}
}

// PrometheusRegistry returns the underlying Prometheus registry
func (r *Registry) PrometheusRegistry() *prometheus.Registry {
	return r.prometheusRegistry
}

// Handler returns an HTTP handler serving the registry in Prometheus format
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.prometheusRegistry, promhttp.HandlerOpts{})
}

// register adds a collector under a component-scoped key
func (r *Registry) register(componentName, metricName string, collector prometheus.Collector, kind string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if _, exists := r.registeredMetrics[key]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("metric %s already registered for component %s", metricName, componentName),
			"Registry", "Register"+kind, "duplicate metric registration")
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			return errors.WrapInvalid(err, "Registry", "Register"+kind,
				fmt.Sprintf("prometheus conflict for metric %s", metricName))
		}
		return errors.WrapFatal(err, "Registry", "Register"+kind,
			"register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return nil
}

// registerOrGet registers a collector, or returns the collector already
// held under the same component key. Components built once per pipeline
// share one set of collectors this way instead of failing on
// re-registration.
func (r *Registry) registerOrGet(componentName, metricName string, collector prometheus.Collector, kind string) (prometheus.Collector, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	if existing, ok := r.registeredMetrics[key]; ok {
		return existing, nil
	}

	if err := r.prometheusRegistry.Register(collector); err != nil {
		var alreadyRegErr prometheus.AlreadyRegisteredError
		if stderrors.As(err, &alreadyRegErr) {
			r.registeredMetrics[key] = alreadyRegErr.ExistingCollector
			return alreadyRegErr.ExistingCollector, nil
		}
		return nil, errors.WrapFatal(err, "Registry", "RegisterOrGet"+kind,
			"register collector with prometheus")
	}

	r.registeredMetrics[key] = collector
	return collector, nil
}

// RegisterOrGetCounter registers the counter, or returns the counter
// already registered under the same component key
func (r *Registry) RegisterOrGetCounter(componentName, metricName string, counter prometheus.Counter) (prometheus.Counter, error) {
	collector, err := r.registerOrGet(componentName, metricName, counter, "Counter")
	if err != nil {
		return nil, err
	}

	existing, ok := collector.(prometheus.Counter)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metric %s.%s is registered as %T", componentName, metricName, collector),
			"Registry", "RegisterOrGetCounter", "collector type mismatch")
	}
	return existing, nil
}

// RegisterOrGetCounterVec registers the counter vector, or returns the
// vector already registered under the same component key
func (r *Registry) RegisterOrGetCounterVec(componentName, metricName string, counterVec *prometheus.CounterVec) (*prometheus.CounterVec, error) {
	collector, err := r.registerOrGet(componentName, metricName, counterVec, "CounterVec")
	if err != nil {
		return nil, err
	}

	existing, ok := collector.(*prometheus.CounterVec)
	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("metric %s.%s is registered as %T", componentName, metricName, collector),
			"Registry", "RegisterOrGetCounterVec", "collector type mismatch")
	}
	return existing, nil
}

// RegisterCounter registers a counter metric for a component
func (r *Registry) RegisterCounter(componentName, metricName string, counter prometheus.Counter) error {
	return r.register(componentName, metricName, counter, "Counter")
}

// RegisterCounterVec registers a counter vector metric for a component
func (r *Registry) RegisterCounterVec(componentName, metricName string, counterVec *prometheus.CounterVec) error {
	return r.register(componentName, metricName, counterVec, "CounterVec")
}

// RegisterGauge registers a gauge metric for a component
func (r *Registry) RegisterGauge(componentName, metricName string, gauge prometheus.Gauge) error {
	return r.register(componentName, metricName, gauge, "Gauge")
}

// RegisterGaugeVec registers a gauge vector metric for a component
func (r *Registry) RegisterGaugeVec(componentName, metricName string, gaugeVec *prometheus.GaugeVec) error {
	return r.register(componentName, metricName, gaugeVec, "GaugeVec")
}

// RegisterHistogramVec registers a histogram vector metric for a component
func (r *Registry) RegisterHistogramVec(componentName, metricName string, histogramVec *prometheus.HistogramVec) error {
	return r.register(componentName, metricName, histogramVec, "HistogramVec")
}

// Unregister removes a metric from the registry
func (r *Registry) Unregister(componentName, metricName string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := fmt.Sprintf("%s.%s", componentName, metricName)

	collector, exists := r.registeredMetrics[key]
	if !exists {
		return false
	}

	success := r.prometheusRegistry.Unregister(collector)
	if success {
		delete(r.registeredMetrics, key)
	}

	return success
}
