package aprs

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/black-roland/meshtastic-bridge/metric"
)

// beaconMetrics holds Prometheus metrics for beacon emission.
type beaconMetrics struct {
	beacons *prometheus.CounterVec // By kind: self or node
	skipped prometheus.Counter
}

// newBeaconMetrics registers the beacon collectors with the provided
// registry, or borrows the ones an earlier stage instance already
// registered. Every APRS stage instance shares one set of collectors.
func newBeaconMetrics(registry *metric.Registry) (*beaconMetrics, error) {
	if registry == nil {
		return nil, nil // Metrics disabled
	}

	beacons, err := registry.RegisterOrGetCounterVec(StageType, "beacons_total",
		prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "aprs",
			Name:      "beacons_total",
			Help:      "Total number of beacons sent to APRS-IS, by kind",
		}, []string{"kind"}))
	if err != nil {
		return nil, err
	}

	skipped, err := registry.RegisterOrGetCounter(StageType, "skipped_total",
		prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "meshbridge",
			Subsystem: "aprs",
			Name:      "skipped_total",
			Help:      "Total number of position packets skipped for identity mismatch",
		}))
	if err != nil {
		return nil, err
	}

	return &beaconMetrics{beacons: beacons, skipped: skipped}, nil
}

func (m *beaconMetrics) recordBeacon(kind string) {
	if m == nil {
		return
	}
	m.beacons.WithLabelValues(kind).Inc()
}

func (m *beaconMetrics) recordSkipped() {
	if m == nil {
		return
	}
	m.skipped.Inc()
}
