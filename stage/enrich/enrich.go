// Package enrich provides the sender identity annotation stage. It is a
// best-effort lookup against the connected radio's node directory and
// never drops a packet.
package enrich

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "add_user_info"

// Stage attaches the sender's directory identity as fromUser.
type Stage struct {
	radio  device.Device
	logger *slog.Logger
}

// New builds an identity enrichment stage. It takes no options.
func New(_ json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	return &Stage{
		radio:  deps.Radio,
		logger: deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply annotates the packet with the sender's identity on a directory
// hit; unknown senders and a missing radio pass through unmodified.
func (s *Stage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil || s.radio == nil {
		return p, nil
	}

	if info, ok := s.radio.NodeDirectory()[p.From]; ok {
		user := info.User
		p.FromUser = &user
	}

	return p, nil
}

// Register registers the identity enrichment stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
