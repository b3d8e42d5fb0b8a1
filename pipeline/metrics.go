package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/black-roland/meshtastic-bridge/metric"
)

// runMetrics holds Prometheus metrics for pipeline execution.
type runMetrics struct {
	received  *prometheus.CounterVec // By pipeline
	completed *prometheus.CounterVec // By pipeline
	dropped   *prometheus.CounterVec // By pipeline and stage
	errors    *prometheus.CounterVec // By pipeline and stage
}

// newRunMetrics registers the pipeline collectors with the provided
// registry, or borrows the ones an earlier pipeline already registered.
// The collectors are shared across pipelines; the pipeline label carries
// the instance identity.
func newRunMetrics(registry *metric.Registry) (*runMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	received, err := registry.RegisterOrGetCounterVec("pipeline", "packets_received_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "pipeline",
			Name:      "packets_received_total",
			Help:      "Total number of packets entering the pipeline",
		}, []string{"pipeline"}))
	if err != nil {
		return nil, err
	}

	completed, err := registry.RegisterOrGetCounterVec("pipeline", "packets_completed_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "pipeline",
			Name:      "packets_completed_total",
			Help:      "Total number of packets that ran every stage",
		}, []string{"pipeline"}))
	if err != nil {
		return nil, err
	}

	dropped, err := registry.RegisterOrGetCounterVec("pipeline", "packets_dropped_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "pipeline",
			Name:      "packets_dropped_total",
			Help:      "Total number of packets dropped, by dropping stage",
		}, []string{"pipeline", "stage"}))
	if err != nil {
		return nil, err
	}

	stageErrors, err := registry.RegisterOrGetCounterVec("pipeline", "stage_errors_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "pipeline",
			Name:      "stage_errors_total",
			Help:      "Total number of hard stage failures, by stage",
		}, []string{"pipeline", "stage"}))
	if err != nil {
		return nil, err
	}

	return &runMetrics{
		received:  received,
		completed: completed,
		dropped:   dropped,
		errors:    stageErrors,
	}, nil
}

func (m *runMetrics) recordReceived(pipeline string) {
	if m == nil {
		return
	}
	m.received.WithLabelValues(pipeline).Inc()
}

func (m *runMetrics) recordCompleted(pipeline string) {
	if m == nil {
		return
	}
	m.completed.WithLabelValues(pipeline).Inc()
}

func (m *runMetrics) recordDropped(pipeline, stage string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(pipeline, stage).Inc()
}

func (m *runMetrics) recordError(pipeline, stage string) {
	if m == nil {
		return
	}
	m.errors.WithLabelValues(pipeline, stage).Inc()
}
