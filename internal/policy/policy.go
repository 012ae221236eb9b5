// Package policy maps detections to an enforcement action. Policies are
// priority-ordered condition→action rules supplied by an external store
// (YAML file or database) and validated before they reach the engine.
package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/promptwall/promptwall/internal/rules"
)

// Action is the enforcement outcome a policy requests.
type Action string

const (
	ActionAllow Action = "ALLOW"
	ActionBlock Action = "BLOCK"
	ActionFlag  Action = "FLAG"
	ActionLog   Action = "LOG"
)

// Condition is a matchable predicate over a detection. A condition is
// satisfied when ALL of its non-nil fields match the same detection.
type Condition struct {
	RuleIDs           []string        `yaml:"rule_ids,omitempty"`
	SeverityThreshold *rules.Severity `yaml:"severity_threshold,omitempty"`
	ThreatTypes       []string        `yaml:"threat_types,omitempty"`
	MinConfidence     *float64        `yaml:"min_confidence,omitempty"`
	MaxConfidence     *float64        `yaml:"max_confidence,omitempty"`
	CustomFilter      string          `yaml:"custom_filter,omitempty"`
}

// Policy is one enforcement rule. Policies are immutable after validation.
type Policy struct {
	PolicyID         string          `yaml:"policy_id" validate:"required"`
	CustomerID       string          `yaml:"customer_id,omitempty"`
	Name             string          `yaml:"name" validate:"required"`
	Conditions       []Condition     `yaml:"conditions" validate:"required,min=1"`
	Action           Action          `yaml:"action" validate:"required,oneof=ALLOW BLOCK FLAG LOG"`
	OverrideSeverity *rules.Severity `yaml:"override_severity,omitempty"`
	Priority         int             `yaml:"priority" validate:"gte=0"`
	Enabled          bool            `yaml:"enabled"`
}

// Decision is the result of evaluating policies against a detection set.
type Decision struct {
	Action           Action         `json:"action"`
	OriginalSeverity rules.Severity `json:"original_severity"`
	FinalSeverity    rules.Severity `json:"final_severity"`
	MatchedPolicies  []string       `json:"matched_policies"`
	SeverityChanged  bool           `json:"severity_changed"`
	Metadata         map[string]any `json:"metadata,omitempty"`
}

// Validate checks the policy's structural invariants: at least one condition,
// a known action, non-negative priority, condition list fields non-empty when
// set, and min_confidence <= max_confidence when both are set.
func (p Policy) Validate() error {
	if err := rules.Validator().Struct(p); err != nil {
		return fmt.Errorf("policy %s: %w", p.PolicyID, err)
	}
	for i, c := range p.Conditions {
		if err := c.validate(); err != nil {
			return fmt.Errorf("policy %s condition %d: %w", p.PolicyID, i, err)
		}
	}
	if p.OverrideSeverity != nil && p.OverrideSeverity.Rank() < 0 {
		return fmt.Errorf("policy %s: unknown override severity %q", p.PolicyID, *p.OverrideSeverity)
	}
	return nil
}

func (c Condition) validate() error {
	if c.RuleIDs != nil && len(c.RuleIDs) == 0 {
		return fmt.Errorf("rule_ids set but empty")
	}
	if c.ThreatTypes != nil && len(c.ThreatTypes) == 0 {
		return fmt.Errorf("threat_types set but empty")
	}
	if c.SeverityThreshold != nil && c.SeverityThreshold.Rank() < 0 {
		return fmt.Errorf("unknown severity threshold %q", *c.SeverityThreshold)
	}
	for _, bound := range []*float64{c.MinConfidence, c.MaxConfidence} {
		if bound != nil && (*bound < 0 || *bound > 1) {
			return fmt.Errorf("confidence bound %v outside [0,1]", *bound)
		}
	}
	if c.MinConfidence != nil && c.MaxConfidence != nil && *c.MinConfidence > *c.MaxConfidence {
		return fmt.Errorf("min_confidence %v > max_confidence %v", *c.MinConfidence, *c.MaxConfidence)
	}
	if c.CustomFilter != "" {
		if _, err := parseFilter(c.CustomFilter); err != nil {
			return fmt.Errorf("custom_filter: %w", err)
		}
	}
	return nil
}

// policyFile is the on-disk policy store format.
type policyFile struct {
	Policies []Policy `yaml:"policies"`
}

// LoadPolicies reads and validates a YAML policy file.
func LoadPolicies(path string) ([]Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f policyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	for _, p := range f.Policies {
		if err := p.Validate(); err != nil {
			return nil, err
		}
	}
	return f.Policies, nil
}
