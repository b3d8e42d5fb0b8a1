// Package nostr provides the relay egress stage. It signs the packet
// text as a text-note event and publishes it to a set of public relays
// over short-lived websocket sessions.
package nostr

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "nostr_plugin"

// Always-on public relays; configured relays are appended.
var defaultRelays = []string{
	"wss://nostr-pub.wellorder.net",
	"wss://relay.damus.io",
}

const (
	defaultStartupWait = 1.25 // Seconds to let sessions establish
	defaultPublishWait = 1.0  // Seconds to let events flush
)

// Config holds the relay egress options for one pipeline position.
type Config struct {
	PrivateKey  string   `json:"private_key,omitempty"`
	PublicKey   string   `json:"public_key,omitempty"`
	Relays      []string `json:"relays,omitempty"`
	Message     string   `json:"message,omitempty"`
	StartupWait *float64 `json:"startup_wait,omitempty"`
	PublishWait *float64 `json:"publish_wait,omitempty"`
}

// Stage publishes packet text to nostr relays.
type Stage struct {
	config     Config
	newManager func() RelayManager
	logger     *slog.Logger
}

// New builds a nostr egress stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Nostr", "New", "options unmarshal")
		}
	}

	logger := deps.GetLogger().With("stage", StageType)

	return &Stage{
		config:     config,
		newManager: func() RelayManager { return newWSRelayManager(logger) },
		logger:     logger,
	}, nil
}

// Apply signs and publishes the packet text, then passes the packet
// through. Missing keys pass the packet on with a diagnostic.
func (s *Stage) Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.config.PrivateKey == "" {
		s.logger.Debug("Missing private_key")
		return p, nil
	}
	if s.config.PublicKey == "" {
		s.logger.Debug("Missing public_key")
		return p, nil
	}

	event, err := s.buildEvent(p)
	if err != nil {
		s.logger.Error("Event signing failed", "error", err)
		return p, nil
	}

	manager := s.newManager()
	for _, relay := range defaultRelays {
		manager.AddRelay(relay)
	}
	for _, relay := range s.config.Relays {
		manager.AddRelay(relay)
	}

	s.logger.Debug("Opening connection to nostr relays...")
	manager.OpenConnections(ctx)
	wait(ctx, secondsOrDefault(s.config.StartupWait, defaultStartupWait))

	s.logger.Debug("Sending message to nostr...")
	if err := manager.PublishEvent(event); err != nil {
		s.logger.Error("Publish failed", "error", err)
	} else {
		s.logger.Info("Sent message to nostr")
	}

	wait(ctx, secondsOrDefault(s.config.PublishWait, defaultPublishWait))
	manager.CloseConnections()

	return p, nil
}

// buildEvent renders the message and signs it as a text note under the
// configured key pair.
func (s *Stage) buildEvent(p *packet.Packet) (nostr.Event, error) {
	privateKey, err := decodeKey(resolveSecrets(s.config.PrivateKey), "nsec")
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "Nostr", "buildEvent", "decode private key")
	}

	publicKey, err := decodeKey(s.config.PublicKey, "npub")
	if err != nil {
		return nostr.Event{}, errors.Wrap(err, "Nostr", "buildEvent", "decode public key")
	}

	message := p.Text()
	if s.config.Message != "" {
		message = strings.ReplaceAll(s.config.Message, "{MSG}", p.Text())
	}

	event := nostr.Event{
		PubKey:    publicKey,
		CreatedAt: nostr.Now(),
		Kind:      nostr.KindTextNote,
		Content:   message,
	}

	if err := event.Sign(privateKey); err != nil {
		return nostr.Event{}, errors.Wrap(err, "Nostr", "buildEvent", "sign event")
	}

	return event, nil
}

// decodeKey accepts a bech32 key of the expected prefix, or a raw hex
// key as-is. Hex never starts with "n", so the prefix distinguishes the
// two encodings.
func decodeKey(key, prefix string) (string, error) {
	if !strings.HasPrefix(key, "n") {
		return key, nil
	}

	decodedPrefix, value, err := nip19.Decode(key)
	if err != nil {
		return "", errors.WrapInvalid(err, "Nostr", "decodeKey", "bech32 decode")
	}
	if decodedPrefix != prefix {
		return "", errors.WrapInvalid(errors.ErrKeyUnreadable, "Nostr", "decodeKey",
			"unexpected key prefix "+decodedPrefix)
	}

	hex, ok := value.(string)
	if !ok {
		return "", errors.WrapInvalid(errors.ErrKeyUnreadable, "Nostr", "decodeKey", "unexpected key payload")
	}

	return hex, nil
}

// resolveSecrets substitutes {NAME} placeholders with the matching
// environment variables so the key stays out of the config file.
func resolveSecrets(value string) string {
	if !strings.Contains(value, "{") {
		return value
	}

	for _, entry := range os.Environ() {
		name, secret, ok := strings.Cut(entry, "=")
		if !ok {
			continue
		}

		needle := "{" + name + "}"
		if strings.Contains(value, needle) {
			value = strings.ReplaceAll(value, needle, secret)
		}
	}

	return value
}

func secondsOrDefault(value *float64, fallback float64) time.Duration {
	seconds := fallback
	if value != nil {
		seconds = *value
	}
	return time.Duration(seconds * float64(time.Second))
}

// wait sleeps for the duration or until the context is cancelled.
func wait(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// Register registers the nostr egress stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
