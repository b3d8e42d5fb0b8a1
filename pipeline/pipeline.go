// Package pipeline drives ordered stage execution over canonical
// packets. A pipeline owns an ordered list of configured stages;
// each invocation normalizes one inbound value and applies the stages
// sequentially, stopping at the first stage that drops the packet or
// fails hard.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/black-roland/meshtastic-bridge/broker"
	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/metric"
	"github.com/black-roland/meshtastic-bridge/packet"
)

// Stage is one configurable filter, transform, or egress unit.
//
// Apply returns the (possibly mutated) packet to pass downstream.
// Returning (nil, nil) drops the packet: the runner stops and forwards
// nothing. A non-nil error is a hard failure for this invocation and
// also stops the chain; only envelope crypto stages fail hard.
//
// Stages must be safe under concurrent Apply calls: independent
// invocations may run in parallel even though the stages of a single
// invocation run strictly sequentially.
type Stage interface {
	Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error)
}

// Deps provides the external collaborators stages are configured with.
type Deps struct {
	Devices device.Registry  // Connected radios by name
	Brokers broker.Registry  // Broker connections by name
	Radio   device.Device    // Locally connected radio (can be nil)
	Logger  *slog.Logger     // Structured logger (can be nil, defaults to slog.Default())
	Metrics *metric.Registry // Metrics registry (can be nil)
}

// GetLogger returns the configured logger or the default logger
func (d *Deps) GetLogger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

// Factory builds a stage instance from its per-instance options.
type Factory func(options json.RawMessage, deps Deps) (Stage, error)

// Registry maps stage type names to factories. The variant set is fixed
// at assembly time; there is no open-ended runtime registration.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty stage registry
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a stage factory under a type name
func (r *Registry) Register(name string, factory Factory) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.factories[name]; exists {
		return errors.WrapInvalid(
			fmt.Errorf("stage type %q already registered", name),
			"Registry", "Register", "duplicate stage type")
	}

	r.factories[name] = factory
	return nil
}

// Build creates a stage instance of the named type
func (r *Registry) Build(name string, options json.RawMessage, deps Deps) (Stage, error) {
	r.mu.RLock()
	factory, ok := r.factories[name]
	r.mu.RUnlock()

	if !ok {
		return nil, errors.WrapInvalid(
			fmt.Errorf("unknown stage type %q", name),
			"Registry", "Build", "lookup stage factory")
	}

	return factory(options, deps)
}

// Types returns the registered stage type names
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.factories))
	for name := range r.factories {
		names = append(names, name)
	}
	return names
}

// StageConfig is one entry of a pipeline's ordered stage list.
type StageConfig struct {
	Type    string          `json:"type"`
	Options json.RawMessage `json:"options,omitempty"`
}

// namedStage pairs a built stage with its configured type for logging.
type namedStage struct {
	name  string
	stage Stage
}

// Pipeline applies an ordered stage chain to packets.
type Pipeline struct {
	name    string
	stages  []namedStage
	logger  *slog.Logger
	metrics *runMetrics
}

// New assembles a pipeline from its ordered stage configuration.
func New(name string, configs []StageConfig, registry *Registry, deps Deps) (*Pipeline, error) {
	logger := deps.GetLogger().With("pipeline", name)

	stages := make([]namedStage, 0, len(configs))
	for i, cfg := range configs {
		if cfg.Type == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Pipeline", "New",
				fmt.Sprintf("stage %d has no type", i))
		}

		stage, err := registry.Build(cfg.Type, cfg.Options, deps)
		if err != nil {
			return nil, errors.Wrap(err, "Pipeline", "New", fmt.Sprintf("build stage %q", cfg.Type))
		}

		stages = append(stages, namedStage{name: cfg.Type, stage: stage})
	}

	metrics, err := newRunMetrics(deps.Metrics)
	if err != nil {
		logger.Error("Failed to initialize pipeline metrics", "error", err)
		metrics = nil // Continue without metrics
	}

	return &Pipeline{
		name:    name,
		stages:  stages,
		logger:  logger,
		metrics: metrics,
	}, nil
}

// Name returns the pipeline's configured name
func (pl *Pipeline) Name() string {
	return pl.name
}

// Len returns the number of configured stages
func (pl *Pipeline) Len() int {
	return len(pl.stages)
}

// Run normalizes one inbound value and applies the stage chain.
// The returned packet is the final stage's output; nil with no error
// means the packet was dropped along the way.
func (pl *Pipeline) Run(ctx context.Context, input any) (*packet.Packet, error) {
	p := packet.Normalize(input)

	logger := pl.logger.With("invocation", uuid.NewString())
	logger.Debug("Packet entering pipeline", "from", p.FromID, "to", p.ToID, "portnum", p.PortNum())

	pl.metrics.recordReceived(pl.name)

	for _, st := range pl.stages {
		var err error
		p, err = st.stage.Apply(ctx, p)
		if err != nil {
			pl.metrics.recordError(pl.name, st.name)
			logger.Error("Stage failed", "stage", st.name, "error", err)
			return nil, errors.Wrap(err, "Pipeline", "Run", fmt.Sprintf("stage %q", st.name))
		}

		if p == nil {
			pl.metrics.recordDropped(pl.name, st.name)
			logger.Debug("Packet dropped", "stage", st.name)
			return nil, nil
		}
	}

	pl.metrics.recordCompleted(pl.name)
	logger.Debug("Packet completed pipeline")

	return p, nil
}
