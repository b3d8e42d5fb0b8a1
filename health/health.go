// Package health exposes the bridge's liveness state: per-component
// checks (brokers, radios) evaluated on demand and aggregated into one
// system status.
package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Health states.
const (
	StateHealthy   = "healthy"
	StateDegraded  = "degraded"
	StateUnhealthy = "unhealthy"
)

// Status is the health state of one component or of the whole bridge.
type Status struct {
	Component   string    `json:"component"`
	Status      string    `json:"status"`
	Message     string    `json:"message,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	SubStatuses []Status  `json:"sub_statuses,omitempty"`
}

// IsHealthy reports whether the status is healthy.
func (s Status) IsHealthy() bool { return s.Status == StateHealthy }

// IsDegraded reports whether the status is degraded.
func (s Status) IsDegraded() bool { return s.Status == StateDegraded }

// IsUnhealthy reports whether the status is unhealthy.
func (s Status) IsUnhealthy() bool { return s.Status == StateUnhealthy }

// NewHealthy creates a healthy status.
func NewHealthy(component, message string) Status {
	return Status{Component: component, Status: StateHealthy, Message: message, Timestamp: time.Now()}
}

// NewDegraded creates a degraded status.
func NewDegraded(component, message string) Status {
	return Status{Component: component, Status: StateDegraded, Message: message, Timestamp: time.Now()}
}

// NewUnhealthy creates an unhealthy status.
func NewUnhealthy(component, message string) Status {
	return Status{Component: component, Status: StateUnhealthy, Message: message, Timestamp: time.Now()}
}

// Check reports the current health of one component.
type Check func() Status

// Monitor evaluates named component checks on demand.
type Monitor struct {
	mu     sync.RWMutex
	checks map[string]Check
}

// NewMonitor creates an empty health monitor.
func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]Check)}
}

// Register adds or replaces the check for a named component.
func (m *Monitor) Register(name string, check Check) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checks[name] = check
}

// Remove removes a component from monitoring.
func (m *Monitor) Remove(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.checks, name)
}

// Evaluate runs every check and aggregates the results:
// any unhealthy component makes the bridge unhealthy; any degraded
// component (with none unhealthy) makes it degraded.
func (m *Monitor) Evaluate() Status {
	m.mu.RLock()
	names := make([]string, 0, len(m.checks))
	for name := range m.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	subStatuses := make([]Status, 0, len(names))
	for _, name := range names {
		status := m.checks[name]()
		status.Component = name
		subStatuses = append(subStatuses, status)
	}
	m.mu.RUnlock()

	return aggregate("bridge", subStatuses)
}

func aggregate(component string, subStatuses []Status) Status {
	hasUnhealthy := false
	hasDegraded := false
	for _, sub := range subStatuses {
		switch {
		case sub.IsUnhealthy():
			hasUnhealthy = true
		case sub.IsDegraded():
			hasDegraded = true
		}
	}

	var status Status
	switch {
	case hasUnhealthy:
		status = NewUnhealthy(component, "One or more components are unhealthy")
	case hasDegraded:
		status = NewDegraded(component, "One or more components are degraded")
	default:
		status = NewHealthy(component, "All components are healthy")
	}

	status.SubStatuses = subStatuses
	return status
}

// Handler serves the aggregated health as JSON. An unhealthy bridge
// answers 503 so load balancers and supervisors can act on it.
func Handler(monitor *Monitor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		status := monitor.Evaluate()

		w.Header().Set("Content-Type", "application/json")
		if status.IsUnhealthy() {
			w.WriteHeader(http.StatusServiceUnavailable)
		}

		_ = json.NewEncoder(w).Encode(status)
	})
}
