package heads

import (
	"context"
	"regexp"

	"github.com/promptwall/promptwall/internal/rules"
	"github.com/promptwall/promptwall/internal/voting"
)

// signal is a single detection pattern in the heuristic provider. Each fired
// signal contributes to the binary head and carries the labels the family,
// severity, technique, and harm heads report.
type signal struct {
	technique  string
	family     string
	harm       string
	severity   rules.Severity
	confidence float64
	patterns   []*regexp.Regexp
}

// HeuristicProvider derives head probabilities from pattern matching. It
// exists so the engine works out of the box without an inference runtime and
// serves as the reference Provider implementation.
type HeuristicProvider struct {
	signals []signal
}

// NewHeuristicProvider creates a heuristic provider with built-in signals.
func NewHeuristicProvider() *HeuristicProvider {
	return &HeuristicProvider{signals: builtinSignals()}
}

func (p *HeuristicProvider) Name() string { return "heuristic" }

// Classify scores the text against all signals and folds the hits into the
// five head outputs. With no hits every head reports a benign low
// probability; with hits the binary head combines signal confidences
// (noisy-OR) and the label heads report the strongest signal's labels.
func (p *HeuristicProvider) Classify(_ context.Context, text string) (map[voting.Head]voting.HeadInput, error) {
	var fired []signal
	for _, s := range p.signals {
		for _, re := range s.patterns {
			if re.MatchString(text) {
				fired = append(fired, s)
				break
			}
		}
	}

	if len(fired) == 0 {
		return map[voting.Head]voting.HeadInput{
			voting.HeadBinary:    {Probability: 0.02, Label: "benign"},
			voting.HeadFamily:    {Probability: 0.02, Label: "benign"},
			voting.HeadSeverity:  {Probability: 0.02, Label: string(rules.SeverityNone)},
			voting.HeadTechnique: {Probability: 0.02, Label: "none"},
			voting.HeadHarm:      {Probability: 0.02, Label: "none"},
		}, nil
	}

	// Noisy-OR over signal confidences: independent weak signals compound.
	miss := 1.0
	for _, s := range fired {
		miss *= 1 - s.confidence
	}
	attackProb := 1 - miss

	strongest := fired[0]
	worst := fired[0]
	for _, s := range fired[1:] {
		if s.confidence > strongest.confidence {
			strongest = s
		}
		if s.severity.Rank() > worst.severity.Rank() {
			worst = s
		}
	}

	return map[voting.Head]voting.HeadInput{
		voting.HeadBinary:    {Probability: attackProb, Label: "attack"},
		voting.HeadFamily:    {Probability: strongest.confidence, Label: strongest.family},
		voting.HeadSeverity:  {Probability: worst.confidence, Label: string(worst.severity)},
		voting.HeadTechnique: {Probability: strongest.confidence, Label: strongest.technique},
		voting.HeadHarm:      {Probability: strongest.confidence, Label: strongest.harm},
	}, nil
}

func compile(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(p)
	}
	return out
}

func builtinSignals() []signal {
	return []signal{
		{
			technique:  "instruction_override",
			family:     "prompt_injection",
			harm:       "policy_bypass",
			severity:   rules.SeverityHigh,
			confidence: 0.85,
			patterns: compile(
				`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+(instructions?|rules?)`,
				`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions?|rules?|guidelines?)`,
				`(?i)forget\s+(all\s+)?(your|previous)\s+(instructions?|rules?)`,
				`(?i)new\s+instructions?:\s+`,
				`(?i)system\s*:\s*(you\s+are|ignore|forget)`,
			),
		},
		{
			technique:  "jailbreak_persona",
			family:     "jailbreak",
			harm:       "policy_bypass",
			severity:   rules.SeverityHigh,
			confidence: 0.80,
			patterns: compile(
				`(?i)you\s+are\s+now\s+(free|unrestricted|unfiltered)`,
				`(?i)free\s+of\s+all\s+(restrictions|filters|rules|limits)`,
				`(?i)without\s+(any\s+)?(ethical|moral)\s+(guidelines|constraints|restrictions)`,
				`(?i)will\s+never\s+refuse\s+(a\s+request|to\s+answer)`,
			),
		},
		{
			technique:  "prompt_exfiltration",
			family:     "prompt_injection",
			harm:       "data_leak",
			severity:   rules.SeverityMedium,
			confidence: 0.75,
			patterns: compile(
				`(?i)(show|reveal|display|print|output)\s+(me\s+)?(your|the)\s+(system\s+)?prompt`,
				`(?i)repeat\s+(your\s+)?(system\s+)?(prompt|instructions?)`,
				`(?i)repeat\s+(everything|all|the\s+text)\s+(above|before|preceding)`,
			),
		},
		{
			technique:  "indirect_injection",
			family:     "prompt_injection",
			harm:       "policy_bypass",
			severity:   rules.SeverityCritical,
			confidence: 0.80,
			patterns: compile(
				`(?i)\[INST\]`,
				`(?i)<\|im_start\|>system`,
				`(?i)BEGIN\s+HIDDEN\s+INSTRUCTIONS?`,
				`(?i)IMPORTANT\s*:\s*(ignore|disregard|override)`,
				`(?i)<(IMPORTANT|HIDDEN)>`,
			),
		},
		{
			technique:  "base64_payload",
			family:     "obfuscation",
			harm:       "evasion",
			severity:   rules.SeverityMedium,
			confidence: 0.65,
			patterns: compile(
				`[A-Za-z0-9+/]{60,}={0,2}`,
			),
		},
		{
			technique:  "hex_escape_payload",
			family:     "obfuscation",
			harm:       "evasion",
			severity:   rules.SeverityMedium,
			confidence: 0.60,
			patterns: compile(
				`(\\\\?x[0-9a-fA-F]{2}){4,}`,
			),
		},
		{
			technique:  "secrets_in_text",
			family:     "credential_exposure",
			harm:       "data_leak",
			severity:   rules.SeverityHigh,
			confidence: 0.75,
			patterns: compile(
				`(?i)(api[_-]?key|auth[_-]?token|access[_-]?token)\s*[=:]\s*\S{8,}`,
				`\bAKIA[A-Z0-9]{16}\b`,
				`\bghp_[A-Za-z0-9]{36,}`,
				`\bsk-[A-Za-z0-9\-]{20,}`,
				`-----BEGIN [A-Z ]*PRIVATE KEY-----`,
			),
		},
		{
			technique:  "exfiltration_markup",
			family:     "data_exfiltration",
			harm:       "data_leak",
			severity:   rules.SeverityHigh,
			confidence: 0.70,
			patterns: compile(
				`!\[.*?\]\(https?://[^)]*\?[^)]*=`,
				`<img[^>]+src=["'][^"']*\?[^"']*=`,
			),
		},
	}
}
