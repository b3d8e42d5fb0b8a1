package aprs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "aprs_plugin"

// defaultNameFormat matches node long names that opt in to beaconing,
// e.g. "N0CALL-7 +CBAPRS[& igate on a hill".
const defaultNameFormat = "{CALLSIGN} +CBAPRS{SYMBOL}{COMMENT}"

// A node is online when the radio heard it within this window. Matches
// the presence window the companion apps use.
const onlineWindow = 2 * time.Hour

// ServerConfig selects the APRS-IS endpoint.
type ServerConfig struct {
	Server   string `json:"server,omitempty"`
	Port     int    `json:"port,omitempty"`
	Password string `json:"password,omitempty"`
}

// GatewayConfig holds the gateway's own beacon options.
type GatewayConfig struct {
	Comment string `json:"comment,omitempty"`
}

// Config holds the APRS egress options for one pipeline position.
type Config struct {
	Callsign         string        `json:"callsign,omitempty"`
	AprsIS           ServerConfig  `json:"aprs_is,omitempty"`
	IGate            GatewayConfig `json:"igate,omitempty"`
	DeviceNameFormat string        `json:"device_name_format,omitempty"`
}

// identity is what the name format template extracts from a node's
// long name.
type identity struct {
	callsign string
	symbol   string
	comment  string
}

// Stage beacons position packets onto an APRS-IS session. The gateway's
// own positions go out with telemetry appended; relayed node positions
// go out under the call sign embedded in the node's long name.
type Stage struct {
	config     Config
	client     Client
	radio      device.Device
	nameFormat *regexp.Regexp
	telemetry  *telemetrySequence
	logger     *slog.Logger
	metrics    *beaconMetrics
}

// New builds the stage factory bound to a shared connection cache. The
// cache is owned by the orchestrator; stages only borrow sessions from
// it.
func New(cache *ConnCache) pipeline.Factory {
	return func(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
		var config Config
		if len(options) > 0 {
			if err := json.Unmarshal(options, &config); err != nil {
				return nil, errors.WrapInvalid(err, "Aprs", "New", "options unmarshal")
			}
		}

		if config.Callsign == "" {
			return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Aprs", "New", "callsign is required")
		}

		nameFormat, err := compileNameFormat(config.DeviceNameFormat)
		if err != nil {
			return nil, err
		}

		client, err := cache.Get(config.AprsIS.Server, config.AprsIS.Port, config.Callsign, config.AprsIS.Password)
		if err != nil {
			return nil, errors.Wrap(err, "Aprs", "New", "establish APRS-IS session")
		}

		metrics, err := newBeaconMetrics(deps.Metrics)
		if err != nil {
			return nil, err
		}

		return &Stage{
			config:     config,
			client:     client,
			radio:      deps.Radio,
			nameFormat: nameFormat,
			telemetry:  newTelemetrySequence(),
			logger:     deps.GetLogger().With("stage", StageType),
			metrics:    metrics,
		}, nil
	}
}

// Apply beacons position packets and passes every packet through
// unchanged. Identity mismatches and delivery failures are per-packet
// skips, never pipeline failures.
func (s *Stage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.radio == nil {
		s.logger.Error("Must be connected to a device directly")
		return p, nil
	}

	position, ok := beaconPosition(p)
	if !ok {
		return p, nil
	}

	if p.From == s.radio.NodeNum() {
		s.reportSelf(position)
		return p, nil
	}

	id, err := s.parseIdentity(p.From)
	if err != nil {
		s.metrics.recordSkipped()
		s.logger.Debug("Skipping beacon", "from", p.From, "reason", err)
		return p, nil
	}

	s.reportNode(id, position)
	return p, nil
}

// beaconPosition reports whether the packet is beaconable: a position
// application packet with both coordinates present.
func beaconPosition(p *packet.Packet) (*packet.Position, bool) {
	if p.PortNum() != packet.PortPosition {
		return nil, false
	}

	position := p.Position()
	if position == nil || position.Latitude == nil || position.Longitude == nil {
		return nil, false
	}

	return position, true
}

// reportSelf beacons the gateway's own position with the telemetry
// field appended to the configured comment. The first beacon is
// preceded by the one-time telemetry schema announcement.
func (s *Stage) reportSelf(position *packet.Position) {
	s.logger.Info("Sending IGate beacon...")

	s.telemetry.AnnounceOnce(func() {
		frame := announcementFrame(s.config.Callsign, "PARM.OnlineCnt,NodesCnt")
		if err := s.client.SendAll(frame); err != nil {
			s.logger.Error("Telemetry announcement failed", "error", err)
		}
	})

	online, total := s.nodeCounts()
	comment := s.config.IGate.Comment + encodeTelemetry(s.telemetry.Next(), online, total)

	frame := positionFrame(s.config.Callsign, nil, 'L', '&',
		*position.Latitude, *position.Longitude, comment)

	if err := s.client.SendAll(frame); err != nil {
		s.logger.Error("Beacon delivery failed", "callsign", s.config.Callsign, "error", err)
		return
	}

	s.metrics.recordBeacon("self")
}

// reportNode beacons a relayed node position under the node's own call
// sign, marked as heard over the gateway.
func (s *Stage) reportNode(id identity, position *packet.Position) {
	s.logger.Info(fmt.Sprintf("Sending %s beacon...", id.callsign))

	path := []string{"WIDE1-1", "qAR", s.config.Callsign}
	frame := positionFrame(id.callsign, path, id.symbol[0], id.symbol[1],
		*position.Latitude, *position.Longitude, id.comment)

	if err := s.client.SendAll(frame); err != nil {
		s.logger.Error("Beacon delivery failed", "callsign", id.callsign, "error", err)
		return
	}

	s.metrics.recordBeacon("node")
}

// parseIdentity extracts the call sign, symbol, and comment from the
// sender's long name via the compiled name format.
func (s *Stage) parseIdentity(from int64) (identity, error) {
	info, ok := s.radio.NodeDirectory()[from]
	if !ok || info.User.LongName == "" {
		return identity{}, errors.WrapInvalid(errors.ErrUnknownSender, "Aprs", "parseIdentity",
			fmt.Sprintf("node %d has no long name", from))
	}

	match := s.nameFormat.FindStringSubmatch(info.User.LongName)
	if match == nil {
		return identity{}, errors.WrapInvalid(errors.ErrNameFormat, "Aprs", "parseIdentity",
			fmt.Sprintf("%q does not match device name format", info.User.LongName))
	}

	var id identity
	for i, name := range s.nameFormat.SubexpNames() {
		switch name {
		case "callsign":
			id.callsign = match[i]
		case "symbol":
			id.symbol = match[i]
		case "comment":
			id.comment = match[i]
		}
	}

	return id, nil
}

// nodeCounts returns how many directory nodes were heard within the
// online window, and the directory size. Unknown nodes count toward the
// total.
func (s *Stage) nodeCounts() (online, total int) {
	cutoff := time.Now().Add(-onlineWindow).Unix()

	directory := s.radio.NodeDirectory()
	for _, info := range directory {
		if info.LastHeard > cutoff {
			online++
		}
	}

	return online, len(directory)
}

// compileNameFormat turns the long-name template into an anchored
// regular expression. Symbol characters per the published symbol table
// set.
func compileNameFormat(format string) (*regexp.Regexp, error) {
	if format == "" {
		format = defaultNameFormat
	}

	expr := regexp.QuoteMeta(format)
	expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{CALLSIGN}"), `(?P<callsign>[A-Z0-9-]+)`)
	expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{SYMBOL}"), `(?P<symbol>[0-9A-J\\/].)`)
	expr = strings.ReplaceAll(expr, regexp.QuoteMeta("{COMMENT}"), `(?P<comment>.*)`)

	re, err := regexp.Compile("^" + expr + "$")
	if err != nil {
		return nil, errors.WrapInvalid(err, "Aprs", "compileNameFormat", "device_name_format compile")
	}

	groups := make(map[string]bool)
	for _, name := range re.SubexpNames() {
		groups[name] = true
	}
	if !groups["callsign"] || !groups["symbol"] {
		return nil, errors.WrapInvalid(errors.ErrNameFormat, "Aprs", "compileNameFormat",
			"device_name_format must contain {CALLSIGN} and {SYMBOL}")
	}

	return re, nil
}

// Register registers the APRS egress stage with the given registry,
// bound to the shared connection cache.
func Register(registry *pipeline.Registry, cache *ConnCache) error {
	return registry.Register(StageType, New(cache))
}
