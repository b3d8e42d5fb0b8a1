// Package webhook provides the HTTP egress stage. It renders a
// configurable JSON body template from the packet, resolves
// environment-sourced secrets into header values, and performs one
// outbound POST per packet.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "webhook"

// Config holds the webhook options for one pipeline position.
type Config struct {
	Active  *bool             `json:"active,omitempty"`
	URL     string            `json:"url,omitempty"`
	Body    string            `json:"body,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Message string            `json:"message,omitempty"`
	Timeout int               `json:"timeout,omitempty"`
}

// Stage posts packets to an HTTP endpoint.
type Stage struct {
	config     Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New builds a webhook stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "Webhook", "New", "options unmarshal")
		}
	}

	timeout := time.Duration(config.Timeout) * time.Second
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Stage{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
		logger:     deps.GetLogger().With("stage", StageType),
	}, nil
}

// Apply posts the rendered body and passes the packet through. A
// non-success response is logged, never failed.
func (s *Stage) Apply(ctx context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		return nil, nil
	}

	if s.config.Active != nil && !*s.config.Active {
		return p, nil
	}

	if s.config.Body == "" {
		s.logger.Warn("Missing config: body")
		return p, nil
	}

	body := s.renderBody(p)

	var payload json.RawMessage
	if err := json.Unmarshal([]byte(body), &payload); err != nil {
		s.logger.Warn("Rendered body is not valid JSON", "error", err)
		return p, nil
	}

	s.logger.Debug("Sending http POST request", "url", s.config.URL)

	if err := s.post(ctx, payload); err != nil {
		s.logger.Warn("Webhook delivery failed", "url", s.config.URL, "error", err)
	}

	return p, nil
}

// renderBody substitutes the five body macros from the packet. The
// configured message wins over the packet text for {MSG}.
func (s *Stage) renderBody(p *packet.Packet) string {
	var lat, lng string
	if position := p.Position(); position != nil {
		if position.Latitude != nil {
			lat = formatFloat(*position.Latitude)
		}
		if position.Longitude != nil {
			lng = formatFloat(*position.Longitude)
		}
	}

	message := s.config.Message
	if message == "" {
		message = p.Text()
	}

	replacer := strings.NewReplacer(
		"{LAT}", lat,
		"{LNG}", lng,
		"{MSG}", message,
		"{FID}", p.FromID,
		"{TID}", p.ToID,
	)

	return replacer.Replace(s.config.Body)
}

// post performs the single outbound request with env-resolved headers.
func (s *Stage) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.config.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range s.config.Headers {
		req.Header.Set(key, resolveSecrets(value))
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// Read and discard body to reuse the connection
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("error returned: %d", resp.StatusCode)
	}

	return nil
}

// resolveSecrets substitutes {NAME} placeholders in a header value with
// the matching environment variables. Secrets stay out of the config
// file this way.
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

func formatFloat(v float64) string {
	return strings.TrimRight(strings.TrimRight(fmt.Sprintf("%f", v), "0"), ".")
}

// Register registers the webhook stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
