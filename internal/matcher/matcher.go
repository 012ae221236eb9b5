// Package matcher implements the deterministic L1 detection layer: compiled
// rule patterns scanned against input text with per-pattern timeouts.
package matcher

import (
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/promptwall/promptwall/internal/rules"
)

// maxMatchesPerPattern caps how many spans a single pattern records. Display
// needs a handful; unbounded capture on repetitive input wastes memory.
const maxMatchesPerPattern = 16

// contextWindow is how many bytes of surrounding text each match records.
const contextWindow = 40

// Matcher scans text against a fixed rule set. It is immutable after
// construction and safe for concurrent use.
type Matcher struct {
	rules []compiledRule
	log   *slog.Logger
}

type compiledRule struct {
	rule     rules.Rule
	patterns []compiledPattern
}

type compiledPattern struct {
	re      *regexp.Regexp
	timeout time.Duration
}

// New compiles the rule set. Rules were validated at pack load, so a compile
// failure here is a programmer error and aborts construction.
func New(ruleset []rules.Rule, log *slog.Logger) (*Matcher, error) {
	if log == nil {
		log = slog.Default()
	}
	m := &Matcher{rules: make([]compiledRule, 0, len(ruleset)), log: log}
	for _, r := range ruleset {
		cr := compiledRule{rule: r, patterns: make([]compiledPattern, 0, len(r.Patterns))}
		for i, p := range r.Patterns {
			re, err := p.Compile()
			if err != nil {
				return nil, fmt.Errorf("rule %s pattern %d: %w", r.ID, i, err)
			}
			cr.patterns = append(cr.patterns, compiledPattern{re: re, timeout: p.EffectiveTimeout()})
		}
		m.rules = append(m.rules, cr)
	}
	return m, nil
}

// RuleCount returns the number of compiled rules.
func (m *Matcher) RuleCount() int { return len(m.rules) }

// Scan evaluates every rule against text. A rule fires at most once per scan
// even when several of its patterns match; the detection carries the rule's
// own severity and confidence verbatim. Detections are emitted in
// rule-iteration order. A pattern that exceeds its timeout counts as a
// non-match for that pattern only; the scan continues.
func (m *Matcher) Scan(text string) []rules.Detection {
	var detections []rules.Detection

	for _, cr := range m.rules {
		var matches []rules.Match
		for i, cp := range cr.patterns {
			spans, ok := findWithTimeout(cp.re, text, cp.timeout)
			if !ok {
				m.log.Warn("pattern timed out, treated as non-match",
					"rule", cr.rule.ID, "pattern_index", i, "timeout", cp.timeout)
				continue
			}
			for _, span := range spans {
				matches = append(matches, buildMatch(text, i, span))
			}
		}
		if len(matches) == 0 {
			continue
		}
		detections = append(detections, rules.Detection{
			RuleID:      cr.rule.ID,
			RuleVersion: cr.rule.Version,
			Severity:    cr.rule.Severity,
			Confidence:  cr.rule.Confidence,
			Matches:     matches,
			Layer:       rules.LayerL1,
			Category:    cr.rule.Family,
		})
	}
	return detections
}

// findWithTimeout runs the pattern in a worker goroutine and abandons it when
// the timeout fires. Input text is attacker-controlled; a pathological
// pattern must not stall the whole pipeline. The abandoned goroutine finishes
// on its own and its result is discarded.
func findWithTimeout(re *regexp.Regexp, text string, timeout time.Duration) ([][]int, bool) {
	done := make(chan [][]int, 1)
	go func() {
		done <- re.FindAllStringSubmatchIndex(text, maxMatchesPerPattern)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case spans := <-done:
		return spans, true
	case <-timer.C:
		return nil, false
	}
}

func buildMatch(text string, patternIndex int, span []int) rules.Match {
	start, end := span[0], span[1]

	var groups []string
	for g := 2; g+1 < len(span); g += 2 {
		if span[g] < 0 {
			groups = append(groups, "")
			continue
		}
		groups = append(groups, text[span[g]:span[g+1]])
	}

	ctxStart := start - contextWindow
	if ctxStart < 0 {
		ctxStart = 0
	}
	ctxEnd := end + contextWindow
	if ctxEnd > len(text) {
		ctxEnd = len(text)
	}

	return rules.Match{
		PatternIndex:  patternIndex,
		Start:         start,
		End:           end,
		MatchedText:   text[start:end],
		Groups:        groups,
		ContextBefore: text[ctxStart:start],
		ContextAfter:  text[end:ctxEnd],
	}
}
