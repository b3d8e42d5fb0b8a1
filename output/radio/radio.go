// Package radio provides the mesh re-transmit stage: it hands packets
// back to a named connected radio as text, a position report, or a raw
// application payload.
package radio

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "radio_message_plugin"

// Config holds the re-transmit options for one pipeline position.
type Config struct {
	Device      string           `json:"device,omitempty"`
	To          string           `json:"to,omitempty"`
	ToID        string           `json:"toId,omitempty"`
	NodeMapping map[int64]string `json:"node_mapping,omitempty"`
	Lat         float64          `json:"lat,omitempty"`
	Lng         float64          `json:"lng,omitempty"`
	Alt         float64          `json:"alt,omitempty"`
}

// Stage re-transmits packets over a connected mesh radio.
type Stage struct {
	config  Config
	devices device.Registry
	logger  *slog.Logger
}

// New builds a radio egress stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Radio", "New", "options unmarshal")
		}
	}

	return &Stage{
		config:  config,
		devices: deps.Devices,
		logger:  deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply re-transmits the packet and passes it through. Missing device
// or destination aborts delivery for this packet only.
func (s *Stage) Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	radio, ok := s.devices[s.config.Device]
	if !ok {
		s.logger.Error(fmt.Sprintf("Missing interface for device %s", s.config.Device))
		return p, nil
	}

	destination := s.destination(p)
	if destination == "" {
		s.logger.Error("Missing 'to' property in config or packet")
		return p, nil
	}

	s.send(ctx, radio, p, destination)
	return p, nil
}

// destination resolves the delivery target. Configured destinations win
// over packet fields; the node mapping translates numeric recipients.
func (s *Stage) destination(p *packet.Packet) string {
	if s.config.To != "" {
		return s.config.To
	}
	if s.config.ToID != "" {
		return s.config.ToID
	}
	if len(s.config.NodeMapping) > 0 && p.To != 0 {
		if mapped, ok := s.config.NodeMapping[p.To]; ok {
			return mapped
		}
	}
	if p.To != 0 {
		return fmt.Sprintf("%d", p.To)
	}
	return p.ToID
}

// send dispatches by payload shape: bridge-originated text first, then
// a statically configured position, then a raw application payload.
func (s *Stage) send(ctx context.Context, radio device.Device, p *packet.Packet, destination string) {
	switch {
	// Text without a numeric sender originated outside the mesh.
	case p.Text() != "" && p.From == 0:
		s.logger.Debug("Sending text to Radio", "device", s.config.Device)
		if err := radio.SendText(ctx, p.Text(), destination); err != nil {
			s.logger.Error("Text delivery failed", "device", s.config.Device, "error", err)
		}

	case s.config.Lat > 0 && s.config.Lng > 0:
		s.logger.Debug("Sending position to Radio", "device", s.config.Device)
		if err := radio.SendPosition(ctx, s.config.Lat, s.config.Lng, s.config.Alt, destination); err != nil {
			s.logger.Error("Position delivery failed", "device", s.config.Device, "error", err)
		}

	case p.Decoded != nil && p.Decoded.Payload != "" && p.Decoded.PortNum != "":
		payload, err := base64.StdEncoding.DecodeString(p.Decoded.Payload)
		if err != nil {
			s.logger.Error("Payload is not valid base64", "error", err)
			return
		}

		s.logger.Debug("Sending packet to Radio", "device", s.config.Device)
		if err := radio.SendRaw(ctx, p.Decoded.PortNum, payload, destination); err != nil {
			s.logger.Error("Raw delivery failed", "device", s.config.Device, "error", err)
		}
	}
}

// Register registers the radio egress stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
