// Package stage provides stage registration for the bridge pipeline.
// Each stage type lives in its own package; this package binds the full
// fixed set into a pipeline registry.
package stage

import (
	stderrors "errors"

	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/output/aprs"
	"github.com/black-roland/meshtastic-bridge/output/brokerpub"
	"github.com/black-roland/meshtastic-bridge/output/nostr"
	"github.com/black-roland/meshtastic-bridge/output/owntracks"
	"github.com/black-roland/meshtastic-bridge/output/radio"
	"github.com/black-roland/meshtastic-bridge/output/webhook"
	"github.com/black-roland/meshtastic-bridge/pipeline"
	"github.com/black-roland/meshtastic-bridge/stage/debug"
	"github.com/black-roland/meshtastic-bridge/stage/enrich"
	"github.com/black-roland/meshtastic-bridge/stage/envelope"
	"github.com/black-roland/meshtastic-bridge/stage/geofence"
	"github.com/black-roland/meshtastic-bridge/stage/msgfilter"
)

// Register registers every bridge stage type with the provided
// registry:
//
// Filters and transforms:
//   - message_filter (field/content allow and disallow rules)
//   - location_filter (geofencing and coordinate masking)
//   - add_user_info (sender identity enrichment)
//   - debugger (packet dump at debug level)
//   - encrypt_filter / decrypt_filter (envelope crypto)
//
// Egress:
//   - mqtt_plugin (broker publish)
//   - owntracks_plugin (OwnTracks location publish)
//   - webhook (HTTP POST)
//   - aprs_plugin (APRS-IS beaconing, shares the connection cache)
//   - nostr_plugin (relay publish)
//   - radio_message_plugin (mesh re-transmit)
func Register(registry *pipeline.Registry, aprsCache *aprs.ConnCache) error {
	if registry == nil {
		return errors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"Stage", "Register", "registry validation")
	}

	registrations := []struct {
		name     string
		register func(*pipeline.Registry) error
	}{
		{"message filter", msgfilter.Register},
		{"location filter", geofence.Register},
		{"user info", enrich.Register},
		{"debugger", debug.Register},
		{"envelope crypto", envelope.Register},
		{"broker egress", brokerpub.Register},
		{"owntracks egress", owntracks.Register},
		{"webhook egress", webhook.Register},
		{"nostr egress", nostr.Register},
		{"radio egress", radio.Register},
	}

	for _, r := range registrations {
		if err := r.register(registry); err != nil {
			return errors.WrapInvalid(err, "Stage", "Register", r.name+" registration")
		}
	}

	if err := aprs.Register(registry, aprsCache); err != nil {
		return errors.WrapInvalid(err, "Stage", "Register", "aprs egress registration")
	}

	return nil
}
