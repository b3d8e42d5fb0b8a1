// Package config loads and validates the bridge configuration: log
// level, connected devices, named brokers, and the per-route pipeline
// stage lists.
package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/black-roland/meshtastic-bridge/broker"
	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// maxConfigSize caps config files at 1MB.
const maxConfigSize = 1 << 20

// DeviceConfig describes one connected mesh radio. Radios attach
// through a broker: a gateway publishes received packets on
// <topic>.rx and accepts send commands on <topic>.tx.
type DeviceConfig struct {
	// Address is a serial device path or a TCP host. An address
	// containing "/" selects serial; empty selects the default serial
	// port.
	Address string `json:"address,omitempty"`

	Broker  string `json:"broker,omitempty"`   // Named broker carrying the radio's feed
	Topic   string `json:"topic,omitempty"`    // Subject prefix for rx/tx
	NodeNum int64  `json:"node_num,omitempty"` // Numeric id of the radio behind the gateway

	// Pipelines to run for every packet received on this radio.
	Pipelines []string `json:"pipelines,omitempty"`
}

// Transport returns "serial" or "tcp" based on the address shape.
func (d DeviceConfig) Transport() string {
	if d.Address == "" || strings.Contains(d.Address, "/") {
		return "serial"
	}
	return "tcp"
}

// MetricsConfig controls the metrics endpoint.
type MetricsConfig struct {
	Enabled bool   `json:"enabled,omitempty"`
	Addr    string `json:"addr,omitempty"`
}

// Config is the complete bridge configuration.
type Config struct {
	LogLevel  string                            `json:"log_level,omitempty"`
	Metrics   MetricsConfig                     `json:"metrics,omitempty"`
	Devices   map[string]DeviceConfig           `json:"devices,omitempty"`
	Brokers   map[string]broker.Config          `json:"brokers,omitempty"`
	Pipelines map[string][]pipeline.StageConfig `json:"pipelines,omitempty"`
}

// SlogLevel maps the configured log level to its slog value. Unknown
// levels fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Validate checks structural requirements. Stage option contents are
// validated by each stage factory at assembly time, not here.
func (c *Config) Validate() error {
	for name, cfg := range c.Brokers {
		if cfg.URL == "" {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("broker %q has no url", name))
		}
	}

	for name, cfg := range c.Devices {
		if cfg.Broker != "" {
			if cfg.Topic == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("device %q has a broker but no topic", name))
			}
			if _, ok := c.Brokers[cfg.Broker]; !ok {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("device %q references unknown broker %q", name, cfg.Broker))
			}
		}
		for _, pipelineName := range cfg.Pipelines {
			if _, ok := c.Pipelines[pipelineName]; !ok {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("device %q references unknown pipeline %q", name, pipelineName))
			}
		}
	}

	for name, stages := range c.Pipelines {
		if len(stages) == 0 {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
				fmt.Sprintf("pipeline %q has no stages", name))
		}
		for i, stage := range stages {
			if stage.Type == "" {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Config", "Validate",
					fmt.Sprintf("pipeline %q stage %d has no type", name, i))
			}
		}
	}

	return nil
}

// Loader handles configuration loading with environment overrides.
type Loader struct {
	envPrefix string
}

// NewLoader creates a configuration loader.
func NewLoader() *Loader {
	return &Loader{envPrefix: "BRIDGE"}
}

// LoadFile loads, normalizes, and validates one configuration file.
func (l *Loader) LoadFile(path string) (*Config, error) {
	raw, err := l.loadRawJSON(path)
	if err != nil {
		return nil, err
	}

	l.parseDurations(raw)
	if err := l.flattenStages(raw); err != nil {
		return nil, err
	}
	resolveSecrets(raw)

	normalized, err := json.Marshal(raw)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "re-marshal config")
	}

	cfg := &Config{}
	if err := json.Unmarshal(normalized, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "LoadFile", "config unmarshal")
	}

	l.applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// loadRawJSON reads the file into a raw map, with a size cap.
func (l *Loader) loadRawJSON(path string) (map[string]any, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadRawJSON", "stat config file")
	}
	if info.Size() > maxConfigSize {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "Loader", "loadRawJSON",
			fmt.Sprintf("config file exceeds %d bytes", maxConfigSize))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadRawJSON", "read config file")
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, errors.WrapInvalid(err, "Loader", "loadRawJSON", "parse config file")
	}

	return raw, nil
}

// parseDurations converts duration strings like "2s" in broker entries
// to their nanosecond values so they unmarshal into time.Duration.
func (l *Loader) parseDurations(raw map[string]any) {
	brokers, ok := raw["brokers"].(map[string]any)
	if !ok {
		return
	}

	for _, entry := range brokers {
		cfg, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		if s, ok := cfg["reconnect_wait"].(string); ok {
			if d, err := time.ParseDuration(s); err == nil {
				cfg["reconnect_wait"] = int64(d)
			}
		}
	}
}

// flattenStages rewrites each pipeline stage from the flat
// {type, ...options} file shape into the {type, options} form the
// pipeline assembler consumes.
func (l *Loader) flattenStages(raw map[string]any) error {
	pipelines, ok := raw["pipelines"].(map[string]any)
	if !ok {
		return nil
	}

	for name, entry := range pipelines {
		stages, ok := entry.([]any)
		if !ok {
			return errors.WrapInvalid(errors.ErrInvalidConfig, "Loader", "flattenStages",
				fmt.Sprintf("pipeline %q is not a stage list", name))
		}

		rewritten := make([]any, 0, len(stages))
		for i, stageEntry := range stages {
			stage, ok := stageEntry.(map[string]any)
			if !ok {
				return errors.WrapInvalid(errors.ErrInvalidConfig, "Loader", "flattenStages",
					fmt.Sprintf("pipeline %q stage %d is not a mapping", name, i))
			}

			stageType, _ := stage["type"].(string)
			options := make(map[string]any, len(stage))
			for key, value := range stage {
				if key != "type" {
					options[key] = value
				}
			}

			rewritten = append(rewritten, map[string]any{
				"type":    stageType,
				"options": options,
			})
		}

		pipelines[name] = rewritten
	}

	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (l *Loader) applyEnvOverrides(cfg *Config) {
	if val := os.Getenv(l.envPrefix + "_LOG_LEVEL"); val != "" {
		cfg.LogLevel = val
	}
	if val := os.Getenv(l.envPrefix + "_METRICS_ADDR"); val != "" {
		cfg.Metrics.Addr = val
	}
}

// resolveSecrets substitutes {NAME} placeholders in broker credential
// fields with the matching environment variables. Stage options keep
// their placeholders; the stages that support substitution resolve
// them per delivery.
func resolveSecrets(raw map[string]any) {
	brokers, ok := raw["brokers"].(map[string]any)
	if !ok {
		return
	}

	for _, entry := range brokers {
		cfg, ok := entry.(map[string]any)
		if !ok {
			continue
		}

		for _, field := range []string{"username", "password", "token", "url"} {
			if value, ok := cfg[field].(string); ok {
				cfg[field] = substituteEnv(value)
			}
		}
	}
}

func substituteEnv(value string) string {
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
