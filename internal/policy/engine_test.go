package policy

import (
	"testing"

	"github.com/promptwall/promptwall/internal/rules"
)

func sev(s rules.Severity) *rules.Severity { return &s }
func conf(f float64) *float64              { return &f }

func highSevDetection() rules.Detection {
	return rules.Detection{
		RuleID:     "pi-001",
		Severity:   rules.SeverityHigh,
		Confidence: 0.9,
		Layer:      rules.LayerL1,
		Category:   "prompt_injection",
	}
}

func TestApplyNoPoliciesDefaultsAllow(t *testing.T) {
	e := NewEngine(nil)
	d := e.Apply([]rules.Detection{highSevDetection()}, nil)
	if d.Action != ActionAllow {
		t.Errorf("action = %s, want ALLOW", d.Action)
	}
	if d.OriginalSeverity != rules.SeverityHigh || d.FinalSeverity != rules.SeverityHigh {
		t.Errorf("severities = %s/%s", d.OriginalSeverity, d.FinalSeverity)
	}
	if d.SeverityChanged {
		t.Error("severity should be unchanged")
	}
	if d.MatchedPolicies == nil || len(d.MatchedPolicies) != 0 {
		t.Errorf("matched policies should be empty non-nil: %v", d.MatchedPolicies)
	}
}

func TestApplyPriorityOrder(t *testing.T) {
	e := NewEngine(nil)
	policies := []Policy{
		{
			PolicyID: "log-everything", Name: "log", Priority: 50, Enabled: true,
			Action:     ActionLog,
			Conditions: []Condition{{SeverityThreshold: sev(rules.SeverityLow)}},
		},
		{
			PolicyID: "block-high", Name: "block", Priority: 100, Enabled: true,
			Action:           ActionBlock,
			OverrideSeverity: sev(rules.SeverityCritical),
			Conditions:       []Condition{{SeverityThreshold: sev(rules.SeverityHigh)}},
		},
	}

	d := e.Apply([]rules.Detection{highSevDetection()}, policies)
	if d.Action != ActionBlock {
		t.Errorf("action = %s, want the priority-100 policy's BLOCK", d.Action)
	}
	if d.FinalSeverity != rules.SeverityCritical || !d.SeverityChanged {
		t.Errorf("override severity not applied: %+v", d)
	}
	if len(d.MatchedPolicies) != 2 {
		t.Errorf("both policies matched, got %v", d.MatchedPolicies)
	}
	if d.MatchedPolicies[0] != "block-high" {
		t.Errorf("matched order should follow priority: %v", d.MatchedPolicies)
	}
}

func TestApplySkipsDisabled(t *testing.T) {
	e := NewEngine(nil)
	policies := []Policy{{
		PolicyID: "disabled-block", Name: "block", Priority: 100, Enabled: false,
		Action:     ActionBlock,
		Conditions: []Condition{{SeverityThreshold: sev(rules.SeverityLow)}},
	}}

	d := e.Apply([]rules.Detection{highSevDetection()}, policies)
	if d.Action != ActionAllow || len(d.MatchedPolicies) != 0 {
		t.Errorf("disabled policy should not match: %+v", d)
	}
}

func TestConditionFields(t *testing.T) {
	e := NewEngine(nil)
	detection := highSevDetection()

	tests := []struct {
		name      string
		condition Condition
		want      bool
	}{
		{"rule id match", Condition{RuleIDs: []string{"pi-001", "pi-002"}}, true},
		{"rule id miss", Condition{RuleIDs: []string{"pi-999"}}, false},
		{"severity met", Condition{SeverityThreshold: sev(rules.SeverityMedium)}, true},
		{"severity unmet", Condition{SeverityThreshold: sev(rules.SeverityCritical)}, false},
		{"threat type match", Condition{ThreatTypes: []string{"prompt_injection"}}, true},
		{"threat type miss", Condition{ThreatTypes: []string{"jailbreak"}}, false},
		{"min confidence met", Condition{MinConfidence: conf(0.8)}, true},
		{"min confidence unmet", Condition{MinConfidence: conf(0.95)}, false},
		{"max confidence unmet", Condition{MaxConfidence: conf(0.5)}, false},
		{"combined all match", Condition{RuleIDs: []string{"pi-001"}, MinConfidence: conf(0.5)}, true},
		{"combined one fails", Condition{RuleIDs: []string{"pi-001"}, MinConfidence: conf(0.95)}, false},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := Policy{
				PolicyID: "p", Name: "p", Priority: 1, Enabled: true,
				Action: ActionBlock, Conditions: []Condition{tc.condition},
			}
			d := e.Apply([]rules.Detection{detection}, []Policy{p})
			got := d.Action == ActionBlock
			if got != tc.want {
				t.Errorf("matched = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestCustomFilter(t *testing.T) {
	e := NewEngine(nil)
	p := Policy{
		PolicyID: "filtered", Name: "f", Priority: 1, Enabled: true,
		Action: ActionFlag,
		Conditions: []Condition{{
			CustomFilter: "severity >= high && category == prompt_injection",
		}},
	}

	d := e.Apply([]rules.Detection{highSevDetection()}, []Policy{p})
	if d.Action != ActionFlag {
		t.Errorf("filter should match: %+v", d)
	}

	lowSev := highSevDetection()
	lowSev.Severity = rules.SeverityLow
	d = e.Apply([]rules.Detection{lowSev}, []Policy{p})
	if d.Action != ActionAllow {
		t.Errorf("filter should not match low severity: %+v", d)
	}
}

func TestCustomFilterFailureNonFatal(t *testing.T) {
	e := NewEngine(nil)
	policies := []Policy{
		{
			PolicyID: "broken", Name: "broken", Priority: 100, Enabled: true,
			Action:     ActionBlock,
			Conditions: []Condition{{CustomFilter: "severity ~~ high"}},
		},
		{
			PolicyID: "fallback", Name: "fallback", Priority: 50, Enabled: true,
			Action:     ActionFlag,
			Conditions: []Condition{{SeverityThreshold: sev(rules.SeverityHigh)}},
		},
	}

	// The malformed filter makes its condition unsatisfied; evaluation
	// continues and the lower-priority policy still applies.
	d := e.Apply([]rules.Detection{highSevDetection()}, policies)
	if d.Action != ActionFlag {
		t.Errorf("action = %s, want FLAG from the fallback policy", d.Action)
	}
	if len(d.MatchedPolicies) != 1 || d.MatchedPolicies[0] != "fallback" {
		t.Errorf("matched = %v", d.MatchedPolicies)
	}
}

func TestPolicyValidate(t *testing.T) {
	valid := Policy{
		PolicyID: "p1", Name: "p", Priority: 10, Enabled: true,
		Action:     ActionBlock,
		Conditions: []Condition{{MinConfidence: conf(0.2), MaxConfidence: conf(0.8)}},
	}
	if err := valid.Validate(); err != nil {
		t.Fatalf("valid policy rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Policy)
	}{
		{"missing id", func(p *Policy) { p.PolicyID = "" }},
		{"no conditions", func(p *Policy) { p.Conditions = nil }},
		{"unknown action", func(p *Policy) { p.Action = "QUARANTINE" }},
		{"negative priority", func(p *Policy) { p.Priority = -1 }},
		{"min above max", func(p *Policy) {
			p.Conditions = []Condition{{MinConfidence: conf(0.9), MaxConfidence: conf(0.1)}}
		}},
		{"confidence out of range", func(p *Policy) {
			p.Conditions = []Condition{{MinConfidence: conf(1.5)}}
		}},
		{"empty rule id list", func(p *Policy) {
			p.Conditions = []Condition{{RuleIDs: []string{}}}
		}},
		{"bad custom filter", func(p *Policy) {
			p.Conditions = []Condition{{CustomFilter: "nonsense"}}
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			p := valid
			tc.mutate(&p)
			if err := p.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
