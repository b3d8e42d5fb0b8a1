package msgfilter

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/black-roland/meshtastic-bridge/metric"
)

// filterMetrics holds Prometheus metrics for message filter evaluation.
type filterMetrics struct {
	accepted prometheus.Counter
	dropped  *prometheus.CounterVec // By rule that fired
}

// newFilterMetrics registers the filter collectors with the provided
// registry, or borrows the ones an earlier filter instance already
// registered. Every filter instance shares one set of collectors.
func newFilterMetrics(registry *metric.Registry) (*filterMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	accepted, err := registry.RegisterOrGetCounter(StageType, "accepted_total",
		prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "message_filter",
			Name:      "accepted_total",
			Help:      "Total number of packets accepted by the message filter",
		}))
	if err != nil {
		return nil, err
	}

	dropped, err := registry.RegisterOrGetCounterVec(StageType, "dropped_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "message_filter",
			Name:      "dropped_total",
			Help:      "Total number of packets dropped, by rule",
		}, []string{"rule"}))
	if err != nil {
		return nil, err
	}

	return &filterMetrics{accepted: accepted, dropped: dropped}, nil
}

func (m *filterMetrics) recordAccepted() {
	if m == nil {
		return
	}
	m.accepted.Inc()
}

func (m *filterMetrics) recordDropped(rule string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(rule).Inc()
}
