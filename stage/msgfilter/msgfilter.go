// Package msgfilter provides the allow/disallow packet filter stage.
// It matches regular expressions against the message text and checks
// membership rules on the application port, sender id, and recipient id.
package msgfilter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"

	"github.com/black-roland/meshtastic-bridge/errors"
	"github.com/black-roland/meshtastic-bridge/packet"
	"github.com/black-roland/meshtastic-bridge/pipeline"
)

// StageType is the configuration name of this stage.
const StageType = "message_filter"

// PatternRule holds regex allow/disallow lists for the message text.
type PatternRule struct {
	Allow    []string `json:"allow,omitempty"`
	Disallow []string `json:"disallow,omitempty"`
}

// ValueRule holds membership allow/disallow lists for one attribute.
// Empty lists mean no constraint, never "allow nothing".
type ValueRule struct {
	Allow    []string `json:"allow,omitempty"`
	Disallow []string `json:"disallow,omitempty"`
}

// Config holds the filter options for one pipeline position.
type Config struct {
	Message *PatternRule `json:"message,omitempty"`
	App     *ValueRule   `json:"app,omitempty"`
	From    *ValueRule   `json:"from,omitempty"`
	To      *ValueRule   `json:"to,omitempty"`
}

// Stage drops packets that violate the configured rules.
type Stage struct {
	allowPatterns    []*regexp.Regexp
	disallowPatterns []*regexp.Regexp
	app              *ValueRule
	from             *ValueRule
	to               *ValueRule
	logger           *slog.Logger
	metrics          *filterMetrics
}

// New builds a message filter stage from its options.
func New(options json.RawMessage, deps pipeline.Deps) (pipeline.Stage, error) {
	var config Config
	if len(options) > 0 {
		if err := json.Unmarshal(options, &config); err != nil {
			return nil, errors.WrapInvalid(err, "MessageFilter", "New", "options unmarshal")
		}
	}

	s := &Stage{
		app:    config.App,
		from:   config.From,
		to:     config.To,
		logger: deps.GetLogger().With("stage", StageType),
	}

	if config.Message != nil {
		for _, expr := range config.Message.Allow {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errors.WrapInvalid(err, "MessageFilter", "New",
					fmt.Sprintf("compile allow pattern %q", expr))
			}
			s.allowPatterns = append(s.allowPatterns, re)
		}
		for _, expr := range config.Message.Disallow {
			re, err := regexp.Compile(expr)
			if err != nil {
				return nil, errors.WrapInvalid(err, "MessageFilter", "New",
					fmt.Sprintf("compile disallow pattern %q", expr))
			}
			s.disallowPatterns = append(s.disallowPatterns, re)
		}
	}

	metrics, err := newFilterMetrics(deps.Metrics)
	if err != nil {
		s.logger.Error("Failed to initialize message filter metrics", "error", err)
		metrics = nil // Continue without metrics
	}
	s.metrics = metrics

	return s, nil
}

// Apply evaluates the configured rules against one packet.
func (s *Stage) Apply(_ context.Context, p *packet.Packet) (*packet.Packet, error) {
	if p == nil {
		s.logger.Error("Missing packet")
		return nil, nil
	}

	if dropped, rule := s.evaluate(p); dropped {
		s.metrics.recordDropped(rule)
		return nil, nil
	}

	s.metrics.recordAccepted()
	s.logger.Debug("Accepted")
	return p, nil
}

// evaluate returns whether the packet must be dropped and the rule that
// fired. Rule order: message allow, message disallow, then app, from,
// to membership.
func (s *Stage) evaluate(p *packet.Packet) (bool, string) {
	text := p.Text()

	if text != "" {
		if len(s.allowPatterns) > 0 && !matchesAny(s.allowPatterns, text) {
			s.logger.Debug("Dropped because it doesn't match message allow filter")
			return true, "message_allow"
		}

		if matchesAny(s.disallowPatterns, text) {
			s.logger.Debug("Dropped because it matches message disallow filter")
			return true, "message_disallow"
		}
	}

	attributes := []struct {
		name  string
		rule  *ValueRule
		value string
	}{
		{"app", s.app, p.PortNum()},
		{"from", s.from, p.FromID},
		{"to", s.to, p.ToID},
	}

	for _, attr := range attributes {
		if attr.rule == nil {
			continue
		}

		if len(attr.rule.Allow) > 0 && !slices.Contains(attr.rule.Allow, attr.value) {
			s.logger.Debug("Dropped because value doesn't match allow filter",
				"attribute", attr.name, "value", attr.value)
			return true, attr.name + "_allow"
		}

		if len(attr.rule.Disallow) > 0 && slices.Contains(attr.rule.Disallow, attr.value) {
			s.logger.Debug("Dropped because value matches disallow filter",
				"attribute", attr.name, "value", attr.value)
			return true, attr.name + "_disallow"
		}
	}

	return false, ""
}

func matchesAny(patterns []*regexp.Regexp, text string) bool {
	for _, re := range patterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

// Register registers the message filter stage with the given registry
func Register(registry *pipeline.Registry) error {
	return registry.Register(StageType, New)
}
