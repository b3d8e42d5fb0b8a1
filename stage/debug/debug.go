// Package debug provides a passthrough stage that logs every packet at
// debug level. Useful when diagnosing a pipeline's stage ordering.
package debug

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "debugger"

// Stage logs packets and passes them through unchanged.
type Stage struct {
	logger *slog.Logger
}

// New builds a debug stage. It takes no options.
func New(_ json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	return &Stage{logger: deps.GetLogger().With("stage", StageType)}, nil
}

// Apply logs the packet and passes it through.
func (s *Stage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		s.logger.Debug("Dropped packet marker")
		return nil, nil
	}

	if data, err := p.MarshalText(); err == nil {
		s.logger.Debug("Packet", "packet", string(data))
	}

	return p, nil
}

// Register registers the debug stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
