package metric

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCounterVec(name string) *prometheus.CounterVec {
	return prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "test",
		Name:      name,
		Help:      "test counter",
	}, []string{"component"})
}

func TestRegistry_RegisterCounterVec(t *testing.T) {
	registry := NewRegistry()

	err := registry.RegisterCounterVec("pipeline", "packets_total", newTestCounterVec("packets_total"))
	require.NoError(t, err)

	// Same component key must be rejected
	err = registry.RegisterCounterVec("pipeline", "packets_total", newTestCounterVec("packets_total"))
	assert.Error(t, err)
}

func TestRegistry_RegisterOrGetSharesCollector(t *testing.T) {
	registry := NewRegistry()

	first, err := registry.RegisterOrGetCounterVec("pipeline", "packets_total", newTestCounterVec("packets_total"))
	require.NoError(t, err)

	// A second instance under the same key borrows the first collector
	// instead of failing.
	second, err := registry.RegisterOrGetCounterVec("pipeline", "packets_total", newTestCounterVec("packets_total"))
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegistry_RegisterOrGetCounter(t *testing.T) {
	registry := NewRegistry()

	counter := prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Subsystem: "test",
		Name:      "accepted_total",
		Help:      "test counter",
	})

	first, err := registry.RegisterOrGetCounter("message_filter", "accepted_total", counter)
	require.NoError(t, err)
	assert.Same(t, counter, first)

	second, err := registry.RegisterOrGetCounter("message_filter", "accepted_total",
		prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "test",
			Name:      "accepted_total",
			Help:      "test counter",
		}))
	require.NoError(t, err)
	assert.Same(t, counter, second)
}

func TestRegistry_Unregister(t *testing.T) {
	registry := NewRegistry()

	counter := newTestCounterVec("dropped_total")
	require.NoError(t, registry.RegisterCounterVec("pipeline", "dropped_total", counter))

	assert.True(t, registry.Unregister("pipeline", "dropped_total"))
	assert.False(t, registry.Unregister("pipeline", "dropped_total"))

	// Re-registration succeeds after unregister
	require.NoError(t, registry.RegisterCounterVec("pipeline", "dropped_total", newTestCounterVec("dropped_total")))
}

func TestRegistry_Handler(t *testing.T) {
	registry := NewRegistry()
	assert.NotNil(t, registry.Handler())
	assert.NotNil(t, registry.PrometheusRegistry())
}
