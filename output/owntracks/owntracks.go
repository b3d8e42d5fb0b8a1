// Package owntracks publishes position packets as OwnTracks location
// updates through a named broker connection. Senders opt in through the
// tid table: a decimal node id mapped to the OwnTracks user and tracker
// id the location is published under.
package owntracks

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"

	"github.com/black-roland/meshtastic-bridge/broker"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "owntracks_plugin"

// Config holds the OwnTracks egress options. TidTable maps the decimal
// node id to a [user, tracker id] pair; senders without an entry pass
// through untouched.
type Config struct {
	ServerName string              `json:"server_name,omitempty"`
	TidTable   map[string][]string `json:"tid_table,omitempty"`
}

// location is the OwnTracks location payload.
type location struct {
	Type          string   `json:"_type"`
	BatteryStatus int      `json:"bs"`
	Tid           string   `json:"tid"`
	Lat           float64  `json:"lat"`
	Lon           float64  `json:"lon"`
	Tst           int64    `json:"tst"`
	CreatedAt     int64    `json:"created_at"`
	Alt           *float64 `json:"alt,omitempty"`
}

// Stage publishes opted-in position packets as OwnTracks locations.
type Stage struct {
	config  Config
	brokers broker.Registry
	logger  *slog.Logger
}

// New builds an OwnTracks egress stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Owntracks", "New", "options unmarshal")
		}
	}

	return &Stage{
		config:  config,
		brokers: deps.Brokers,
		logger:  deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply publishes the packet's position as a location update and passes
// the packet through. Missing configuration, unknown senders, and
// non-position packets pass through with a diagnostic; delivery
// failures abort delivery for this packet only.
func (s *Stage) Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.config.ServerName == "" {
		s.logger.Warn("Missing config: server_name")
		return p, nil
	}
	if len(s.config.TidTable) == 0 {
		s.logger.Warn("Missing config: tid_table")
		return p, nil
	}

	if p.From == 0 {
		s.logger.Warn("Missing from: field")
		return p, nil
	}

	entry, ok := s.config.TidTable[strconv.FormatInt(p.From, 10)]
	if !ok {
		s.logger.Warn("Sender not in tid_table", "from", p.From)
		return p, nil
	}
	if len(entry) < 2 {
		s.logger.Warn("Malformed tid_table entry", "from", p.From)
		return p, nil
	}

	loc, ok := buildLocation(p, entry[1])
	if !ok {
		s.logger.Debug("Not a location packet")
		return p, nil
	}

	client := s.brokers.Get(s.config.ServerName)
	if client == nil {
		s.logger.Warn("No server established", "name", s.config.ServerName)
		return p, nil
	}
	if !client.IsConnected() {
		s.logger.Error("Not sent, not connected", "name", s.config.ServerName)
		return p, nil
	}

	payload, err := json.Marshal(loc)
	if err != nil {
		s.logger.Error("Not sent, location not serializable", "error", err)
		return p, nil
	}

	topic := "owntracks.user." + entry[0]
	if err := client.Publish(ctx, topic, payload); err != nil {
		s.logger.Error("Publish failed", "topic", topic, "error", err)
		return p, nil
	}

	s.logger.Debug("Location sent", "topic", topic)
	return p, nil
}

// buildLocation renders the location payload, or reports false when the
// packet carries no usable position. A zero latitude means the radio has
// no fix yet.
func buildLocation(p *packet.Packet, tid string) (*location, bool) {
	position := p.Position()
	if !position.Resolved() || *position.Latitude == 0 {
		return nil, false
	}

	tst := position.Time
	if tst == 0 {
		tst = p.Timestamp
	}
	created := p.RxTime
	if created == 0 {
		created = p.Timestamp
	}

	return &location{
		Type:      "location",
		Tid:       tid,
		Lat:       *position.Latitude,
		Lon:       *position.Longitude,
		Tst:       tst,
		CreatedAt: created,
		Alt:       position.Altitude,
	}, true
}

// Register registers the OwnTracks egress stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
