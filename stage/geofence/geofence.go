// Package geofence provides the distance-based packet filter stage.
// It compares the packet's embedded position against a reference
// position (a configured device's live fix, or static coordinates) and
// drops packets outside the configured bound. It can also overwrite the
// reported position with static coordinates for anonymization.
package geofence

import (
	"context"
	"encoding/json"
	"log/slog"
	"math"

	"github.com/black-roland/meshtastic-bridge/device"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "location_filter"

// Comparison modes.
const (
	CompareWithin  = "within"
	CompareOutside = "outside"
)

// earthRadiusKm is the mean Earth radius used for great-circle distance.
const earthRadiusKm = 6371.0088

// Config holds the geofence options for one pipeline position.
type Config struct {
	Device           string   `json:"device,omitempty"`
	CompareLatitude  *float64 `json:"compare_latitude,omitempty"`
	CompareLongitude *float64 `json:"compare_longitude,omitempty"`
	Comparison       string   `json:"comparison,omitempty"`
	MaxDistanceKm    float64  `json:"max_distance_km,omitempty"`
	Latitude         *float64 `json:"latitude,omitempty"`
	Longitude        *float64 `json:"longitude,omitempty"`
}

// Stage drops or rewrites packets based on geodesic distance.
type Stage struct {
	config  Config
	devices device.Registry
	logger  *slog.Logger
}

// New builds a geofence stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Geofence", "New", "options unmarshal")
		}
	}

	if config.Comparison == "" {
		config.Comparison = CompareWithin
	}

	return &Stage{
		config:  config,
		devices: deps.Devices,
		logger:  deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply evaluates the distance bound and optional position masking.
func (s *Stage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	reference := s.referencePosition()
	source := p.Position()

	// Either position unresolvable: the distance constraint is
	// inapplicable, not a drop.
	if reference.Resolved() && source.Resolved() && s.config.MaxDistanceKm > 0 {
		distanceKm := haversine(
			packet.Float(source.Latitude), packet.Float(source.Longitude),
			packet.Float(reference.Latitude), packet.Float(reference.Longitude),
		)

		// Boundary note: equality to the threshold passes both modes.
		switch s.config.Comparison {
		case CompareOutside:
			if distanceKm < s.config.MaxDistanceKm {
				s.logger.Debug("Packet too close",
					"distance_km", distanceKm, "max_distance_km", s.config.MaxDistanceKm)
				return nil, nil
			}
		default: // within
			if distanceKm > s.config.MaxDistanceKm {
				s.logger.Debug("Packet from too far",
					"distance_km", distanceKm, "max_distance_km", s.config.MaxDistanceKm)
				return nil, nil
			}
		}
	}

	s.maskPosition(p)

	return p, nil
}

// referencePosition resolves the comparison point: the configured
// device's live fix, overridden by static compare coordinates when set.
func (s *Stage) referencePosition() *packet.Position {
	var reference packet.Position

	if s.config.Device != "" {
		if dev, ok := s.devices[s.config.Device]; ok {
			if fix, err := dev.CurrentPosition(); err == nil {
				reference.Latitude = packet.FloatPtr(fix.Latitude)
				reference.Longitude = packet.FloatPtr(fix.Longitude)
			} else {
				s.logger.Debug("Device position unavailable", "device", s.config.Device, "error", err)
			}
		}
	}

	// Static override wins over the live fix.
	if s.config.CompareLatitude != nil && s.config.CompareLongitude != nil {
		reference.Latitude = s.config.CompareLatitude
		reference.Longitude = s.config.CompareLongitude
	}

	return &reference
}

// maskPosition overwrites reported coordinates with configured ones.
// Applied unconditionally when configured, independent of the distance
// check outcome.
func (s *Stage) maskPosition(p *packet.Packet) {
	if s.config.Latitude == nil && s.config.Longitude == nil {
		return
	}

	if p.Decoded == nil {
		p.Decoded = &packet.Decoded{}
	}
	if p.Decoded.Position == nil {
		p.Decoded.Position = &packet.Position{}
	}

	if s.config.Latitude != nil {
		p.Decoded.Position.Latitude = packet.FloatPtr(*s.config.Latitude)
	}
	if s.config.Longitude != nil {
		p.Decoded.Position.Longitude = packet.FloatPtr(*s.config.Longitude)
	}
}

// haversine returns the great-circle distance between two points in km.
func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const degToRad = math.Pi / 180

	dLat := (lat2 - lat1) * degToRad
	dLng := (lng2 - lng1) * degToRad

	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*degToRad)*math.Cos(lat2*degToRad)*
			math.Sin(dLng/2)*math.Sin(dLng/2)

	return 2 * earthRadiusKm * math.Asin(math.Sqrt(a))
}

// Register registers the geofence stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
