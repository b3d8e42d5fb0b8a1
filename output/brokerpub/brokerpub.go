// Package brokerpub provides the broker egress stage. It publishes the
// packet (or a templated message) to a named broker connection and
// waits for delivery confirmation before passing the packet on.
package brokerpub

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/black-roland/meshtastic-bridge/broker"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "mqtt_plugin"

// Config holds the broker egress options.
type Config struct {
	Name    string `json:"name,omitempty"`
	Topic   string `json:"topic,omitempty"`
	Message string `json:"message,omitempty"`
}

// Stage publishes packets to one named broker topic.
type Stage struct {
	config  Config
	brokers broker.Registry
	logger  *slog.Logger
}

// New builds a broker egress stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "BrokerPublish", "New", "options unmarshal")
		}
	}

	return &Stage{
		config:  config,
		brokers: deps.Brokers,
		logger:  deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply publishes the packet and passes it through. Missing
// configuration passes the packet on with a diagnostic; an unconnected
// broker aborts delivery for this packet only.
func (s *Stage) Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.config.Name == "" {
		s.logger.Warn("Missing config: name")
		return p, nil
	}
	if s.config.Topic == "" {
		s.logger.Warn("Missing config: topic")
		return p, nil
	}

	client := s.brokers.Get(s.config.Name)
	if client == nil {
		s.logger.Warn("No server established", "name", s.config.Name)
		return p, nil
	}

	if !client.IsConnected() {
		s.logger.Error("Not sent, not connected", "name", s.config.Name)
		return p, nil
	}

	message, err := s.buildMessage(p)
	if err != nil {
		s.logger.Error("Not sent, packet not serializable", "error", err)
		return p, nil
	}

	// Publish blocks until the broker confirms delivery.
	if err := client.Publish(ctx, s.config.Topic, message); err != nil {
		s.logger.Error("Publish failed", "topic", s.config.Topic, "error", err)
		return p, nil
	}

	s.logger.Debug("Message sent", "topic", s.config.Topic)

	return p, nil
}

// buildMessage renders the configured template, or the packet JSON when
// no template is set. The single {MSG} placeholder substitutes the
// packet's text.
func (s *Stage) buildMessage(p *packet.Packet) ([]byte, error) {
	if s.config.Message != "" {
		return []byte(strings.ReplaceAll(s.config.Message, "{MSG}", p.Text())), nil
	}

	return p.MarshalText()
}

// Register registers the broker egress stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
