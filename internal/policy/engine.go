package policy

import (
	"log/slog"
	"sort"

	"github.com/promptwall/promptwall/internal/rules"
)

// Engine evaluates policies against a scan's detections. Stateless and safe
// for concurrent use.
type Engine struct {
	log *slog.Logger
}

// NewEngine creates a policy engine.
func NewEngine(log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{log: log}
}

// Apply evaluates policies in descending priority order (ties broken by
// insertion order) and returns the decision. Only enabled policies with at
// least one satisfied condition count as matched; the first matched policy
// determines the action and, when set, overrides the final severity. With no
// match the default is ALLOW and the severity is unchanged.
func (e *Engine) Apply(detections []rules.Detection, policies []Policy) Decision {
	original := rules.MaxSeverity(detections)
	decision := Decision{
		Action:           ActionAllow,
		OriginalSeverity: original,
		FinalSeverity:    original,
		MatchedPolicies:  []string{},
	}

	ordered := make([]Policy, len(policies))
	copy(ordered, policies)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Priority > ordered[j].Priority
	})

	first := true
	for _, p := range ordered {
		if !p.Enabled {
			continue
		}
		if !e.policyMatches(p, detections) {
			continue
		}
		decision.MatchedPolicies = append(decision.MatchedPolicies, p.PolicyID)
		if first {
			first = false
			decision.Action = p.Action
			if p.OverrideSeverity != nil {
				decision.FinalSeverity = *p.OverrideSeverity
			}
		}
	}

	decision.SeverityChanged = decision.OriginalSeverity != decision.FinalSeverity
	return decision
}

// policyMatches reports whether any of the policy's conditions is satisfied
// by any detection.
func (e *Engine) policyMatches(p Policy, detections []rules.Detection) bool {
	for _, c := range p.Conditions {
		for _, d := range detections {
			if e.conditionMatches(p.PolicyID, c, d) {
				return true
			}
		}
	}
	return false
}

// conditionMatches checks every non-nil field of the condition against one
// detection. A custom filter that fails to evaluate is logged and treated as
// not satisfied; policy evaluation continues with the remaining policies.
func (e *Engine) conditionMatches(policyID string, c Condition, d rules.Detection) bool {
	if c.RuleIDs != nil && !contains(c.RuleIDs, d.RuleID) {
		return false
	}
	if c.SeverityThreshold != nil && !d.Severity.AtLeast(*c.SeverityThreshold) {
		return false
	}
	if c.ThreatTypes != nil && !contains(c.ThreatTypes, d.Category) {
		return false
	}
	if c.MinConfidence != nil && d.Confidence < *c.MinConfidence {
		return false
	}
	if c.MaxConfidence != nil && d.Confidence > *c.MaxConfidence {
		return false
	}
	if c.CustomFilter != "" {
		f, err := parseFilter(c.CustomFilter)
		if err != nil {
			e.log.Warn("custom filter parse failed, condition unsatisfied",
				"policy", policyID, "filter", c.CustomFilter, "error", err)
			return false
		}
		ok, err := f.matches(d)
		if err != nil {
			e.log.Warn("custom filter evaluation failed, condition unsatisfied",
				"policy", policyID, "filter", c.CustomFilter, "error", err)
			return false
		}
		if !ok {
			return false
		}
	}
	return true
}

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
