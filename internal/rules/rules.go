// Package rules defines the detection rule model shared by the pack loader,
// the L1 matcher, and the policy engine: severities, patterns, versioned
// rules, and the detections a scan produces.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Severity is the canonical severity scale for rules and detections.
// Ordering: none < info < low < medium < high < critical.
type Severity string

const (
	SeverityNone     Severity = "none"
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank returns a numeric rank for severity comparison. Unknown severities
// rank below none so they never win a highest-severity computation.
func (s Severity) Rank() int {
	switch s {
	case SeverityNone:
		return 0
	case SeverityInfo:
		return 1
	case SeverityLow:
		return 2
	case SeverityMedium:
		return 3
	case SeverityHigh:
		return 4
	case SeverityCritical:
		return 5
	}
	return -1
}

// AtLeast reports whether s is at least as severe as threshold.
func (s Severity) AtLeast(threshold Severity) bool {
	return s.Rank() >= threshold.Rank()
}

// ParseSeverity validates a severity string from YAML or user input.
func ParseSeverity(v string) (Severity, error) {
	s := Severity(strings.ToLower(strings.TrimSpace(v)))
	if s.Rank() < 0 {
		return "", fmt.Errorf("unknown severity %q", v)
	}
	return s, nil
}

// MaxSeverity returns the highest severity across detections, or none.
func MaxSeverity(detections []Detection) Severity {
	best := SeverityNone
	for _, d := range detections {
		if d.Severity.Rank() > best.Rank() {
			best = d.Severity
		}
	}
	return best
}

// DefaultPatternTimeout bounds a single pattern evaluation when the rule
// does not declare its own timeout.
const DefaultPatternTimeout = 100 * time.Millisecond

// Pattern is one regex clause of a rule. Flags are rule-declared, not
// global: "i" (case-insensitive), "m" (multi-line), "s" (dot matches newline).
type Pattern struct {
	Regex   string        `yaml:"regex" validate:"required"`
	Flags   []string      `yaml:"flags,omitempty" validate:"dive,oneof=i m s"`
	Timeout time.Duration `yaml:"timeout,omitempty"`
}

// Source returns the regex source with flags folded in as an inline group.
func (p Pattern) Source() string {
	if len(p.Flags) == 0 {
		return p.Regex
	}
	return "(?" + strings.Join(p.Flags, "") + ")" + p.Regex
}

// Compile compiles the pattern with its declared flags.
func (p Pattern) Compile() (*regexp.Regexp, error) {
	return regexp.Compile(p.Source())
}

// EffectiveTimeout returns the pattern's timeout, or the default when unset.
func (p Pattern) EffectiveTimeout() time.Duration {
	if p.Timeout > 0 {
		return p.Timeout
	}
	return DefaultPatternTimeout
}

// Rule is a versioned detection rule loaded from a pack. Rules are immutable
// once loaded; the registry shares them read-only across concurrent scans.
type Rule struct {
	ID          string    `yaml:"id" validate:"required"`
	Version     string    `yaml:"version" validate:"required"`
	Family      string    `yaml:"family" validate:"required"`
	SubFamily   string    `yaml:"sub_family,omitempty"`
	Severity    Severity  `yaml:"severity" validate:"required"`
	Confidence  float64   `yaml:"confidence" validate:"gte=0,lte=1"`
	Patterns    []Pattern `yaml:"patterns" validate:"required,min=1,dive"`
	Examples    []string  `yaml:"examples,omitempty"`
	Description string    `yaml:"description,omitempty"`
}

// Match is a span of matched text within one pattern of a rule.
type Match struct {
	PatternIndex  int      `json:"pattern_index"`
	Start         int      `json:"start"`
	End           int      `json:"end"`
	MatchedText   string   `json:"matched_text"`
	Groups        []string `json:"groups,omitempty"`
	ContextBefore string   `json:"context_before,omitempty"`
	ContextAfter  string   `json:"context_after,omitempty"`
}

// Detection layers. L1 is the deterministic pattern layer; L2 the voting
// scorer; normalizer and shell are built-in pre-checks.
const (
	LayerL1         = "l1"
	LayerL2         = "l2"
	LayerNormalizer = "normalizer"
	LayerShell      = "shell"
)

// Detection is one match event. It carries the producing rule's severity and
// confidence verbatim; detections are immutable once created and owned by the
// scan that produced them.
type Detection struct {
	RuleID      string   `json:"rule_id"`
	RuleVersion string   `json:"rule_version,omitempty"`
	Severity    Severity `json:"severity"`
	Confidence  float64  `json:"confidence"`
	Matches     []Match  `json:"matches,omitempty"`
	Layer       string   `json:"detection_layer"`
	Category    string   `json:"category,omitempty"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterValidation("severity", func(fl validator.FieldLevel) bool {
		return Severity(fl.Field().String()).Rank() >= 0
	})
	return v
}

// Validator exposes the shared validator instance so sibling packages
// (pack manifests, policies, config) validate with the same registrations.
func Validator() *validator.Validate {
	return validate
}

// Validate checks the rule's structural invariants: required identity fields,
// confidence in [0,1], at least one pattern, every pattern compiles, and
// declared timeouts are positive.
func (r Rule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if r.Severity.Rank() < 0 {
		return fmt.Errorf("rule %s: unknown severity %q", r.ID, r.Severity)
	}
	for i, p := range r.Patterns {
		if _, err := p.Compile(); err != nil {
			return fmt.Errorf("rule %s pattern %d: %w", r.ID, i, err)
		}
		if p.Timeout < 0 {
			return fmt.Errorf("rule %s pattern %d: timeout must be positive", r.ID, i)
		}
	}
	return nil
}
