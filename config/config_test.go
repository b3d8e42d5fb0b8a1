package config

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "bridge.json")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `{
		"log_level": "DEBUG",
		"devices": {
			"lora0": {"address": "/dev/ttyUSB0"},
			"remote": {"address": "10.0.0.5"}
		},
		"brokers": {
			"home": {"url": "nats://localhost:4222", "reconnect_wait": "2s"}
		},
		"pipelines": {
			"inbound": [
				{"type": "message_filter", "message": {"allow": ["^hello"]}},
				{"type": "webhook", "url": "https://example.org/hook", "body": "{}"}
			]
		}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)

	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
	assert.Equal(t, "serial", cfg.Devices["lora0"].Transport())
	assert.Equal(t, "tcp", cfg.Devices["remote"].Transport())
	assert.Equal(t, 2*time.Second, cfg.Brokers["home"].ReconnectWait)

	stages := cfg.Pipelines["inbound"]
	require.Len(t, stages, 2)
	assert.Equal(t, "message_filter", stages[0].Type)
	assert.Equal(t, "webhook", stages[1].Type)

	// Stage options carry everything but the type key.
	var options map[string]any
	require.NoError(t, json.Unmarshal(stages[1].Options, &options))
	assert.Equal(t, "https://example.org/hook", options["url"])
	assert.NotContains(t, options, "type")
}

func TestLoadFile_BrokerSecretsFromEnvironment(t *testing.T) {
	t.Setenv("NATS_PASS", "hunter2")

	path := writeConfig(t, `{
		"brokers": {
			"home": {"url": "nats://localhost:4222", "username": "bridge", "password": "{NATS_PASS}"}
		}
	}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hunter2", cfg.Brokers["home"].Password)
}

func TestLoadFile_EnvOverrides(t *testing.T) {
	t.Setenv("BRIDGE_LOG_LEVEL", "ERROR")
	t.Setenv("BRIDGE_METRICS_ADDR", ":9099")

	path := writeConfig(t, `{"log_level": "INFO"}`)

	cfg, err := NewLoader().LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "ERROR", cfg.LogLevel)
	assert.Equal(t, ":9099", cfg.Metrics.Addr)
}

func TestLoadFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"broker without url", `{"brokers": {"home": {}}}`},
		{"empty pipeline", `{"pipelines": {"inbound": []}}`},
		{"stage without type", `{"pipelines": {"inbound": [{"url": "x"}]}}`},
		{"stage not a mapping", `{"pipelines": {"inbound": ["message_filter"]}}`},
		{"not json", `log_level: DEBUG`},
		{"device broker without topic", `{
			"brokers": {"home": {"url": "nats://localhost:4222"}},
			"devices": {"lora0": {"broker": "home"}}
		}`},
		{"device with unknown broker", `{"devices": {"lora0": {"broker": "missing", "topic": "msh"}}}`},
		{"device with unknown pipeline", `{"devices": {"lora0": {"pipelines": ["absent"]}}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			_, err := NewLoader().LoadFile(path)
			assert.Error(t, err)
		})
	}
}

func TestLoadFile_MissingFile(t *testing.T) {
	_, err := NewLoader().LoadFile(filepath.Join(t.TempDir(), "absent.json"))
	assert.Error(t, err)
}

func TestSlogLevel(t *testing.T) {
	tests := []struct {
		level string
		want  slog.Level
	}{
		{"DEBUG", slog.LevelDebug},
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"WARNING", slog.LevelWarn},
		{"ERROR", slog.LevelError},
		{"", slog.LevelInfo},
		{"bogus", slog.LevelInfo},
	}

	for _, tt := range tests {
		cfg := &Config{LogLevel: tt.level}
		assert.Equal(t, tt.want, cfg.SlogLevel(), tt.level)
	}
}
