// Package pipeline orchestrates a scan: normalizer pre-check, L1 pattern
// matching, embedded-shell analysis, the L2 voting scorer, and finally the
// policy engine. Results carry a SHA-256 hash of the input instead of the
// input itself so logs and stored results never contain raw prompt text.
package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/promptwall/promptwall/internal/audit"
	"github.com/promptwall/promptwall/internal/config"
	"github.com/promptwall/promptwall/internal/heads"
	"github.com/promptwall/promptwall/internal/matcher"
	"github.com/promptwall/promptwall/internal/policy"
	"github.com/promptwall/promptwall/internal/redact"
	"github.com/promptwall/promptwall/internal/registry"
	"github.com/promptwall/promptwall/internal/rules"
	"github.com/promptwall/promptwall/internal/shellcheck"
	"github.com/promptwall/promptwall/internal/textnorm"
	"github.com/promptwall/promptwall/internal/voting"
)

// Outcome is the final disposition of a scan.
type Outcome string

const (
	OutcomeAllowed Outcome = "allowed"
	OutcomeBlocked Outcome = "blocked"
	OutcomeFlagged Outcome = "flagged"
	OutcomeLogged  Outcome = "logged"
)

// Result is the full output of one scan.
type Result struct {
	ScanID          string
	TextHash        string // SHA-256 of the input, hex
	Outcome         Outcome
	HasThreats      bool
	ShouldBlock     bool
	Detections      []rules.Detection
	ThreatScore     *voting.ThreatScore // nil when L2 did not run
	PolicyDecision  policy.Decision
	Duration        time.Duration
	L2Skipped       bool
	L2SkippedReason string
}

// ToDict renders the result as a serialization-ready map. The raw input text
// never appears; matched excerpts inside detections are already redacted when
// the pipeline is configured to do so.
func (r Result) ToDict() map[string]any {
	// l2_result stays present as an explicit null when L2 did not run so the
	// serialized shape is stable for consumers.
	scanResult := map[string]any{
		"l1_result": map[string]any{
			"detections": r.Detections,
		},
		"l2_result": nil,
	}
	if r.ThreatScore != nil {
		scanResult["l2_result"] = r.ThreatScore
	}
	return map[string]any{
		"scan_id":          r.ScanID,
		"text_hash":        r.TextHash,
		"has_threats":      r.HasThreats,
		"should_block":     r.ShouldBlock,
		"policy_decision":  string(r.PolicyDecision.Action),
		"severity":         string(rules.MaxSeverity(r.Detections)),
		"total_detections": len(r.Detections),
		"duration_ms":      float64(r.Duration.Microseconds()) / 1000.0,
		"scan_result":      scanResult,
		"metadata": map[string]any{
			"outcome":           string(r.Outcome),
			"l2_skipped":        r.L2Skipped,
			"l2_skipped_reason": r.L2SkippedReason,
		},
	}
}

// Stats is a snapshot of pipeline counters.
type Stats struct {
	TotalScans    uint64  `json:"total_scans"`
	TotalThreats  uint64  `json:"total_threats"`
	TotalBlocked  uint64  `json:"total_blocked"`
	AvgDurationMs float64 `json:"avg_duration_ms"`
}

// Pipeline runs scans. Construction compiles the L1 matcher from the
// registry's current snapshot; call Reload after a registry reload to pick up
// rule changes. Safe for concurrent use.
type Pipeline struct {
	cfg      *config.Config
	reg      *registry.Registry
	provider heads.Provider
	scorer   *voting.Scorer
	engine   *policy.Engine
	policies []policy.Policy
	shell    *shellcheck.Checker
	log      *slog.Logger
	audit    *audit.Logger

	mu      sync.RWMutex
	matcher *matcher.Matcher

	totalScans      atomic.Uint64
	totalThreats    atomic.Uint64
	totalBlocked    atomic.Uint64
	totalDurationUs atomic.Uint64
}

// New builds a pipeline from configuration. The registry must already be
// loaded. A nil provider disables L2 regardless of configuration.
func New(cfg *config.Config, reg *registry.Registry, provider heads.Provider, policies []policy.Policy, log *slog.Logger) (*Pipeline, error) {
	if log == nil {
		log = slog.Default()
	}
	scorer, err := voting.NewScorer(cfg.Scan.VotingPreset)
	if err != nil {
		return nil, err
	}
	m, err := matcher.New(reg.GetAllRules(), log)
	if err != nil {
		return nil, fmt.Errorf("compile rule set: %w", err)
	}
	return &Pipeline{
		cfg:      cfg,
		reg:      reg,
		provider: provider,
		scorer:   scorer,
		engine:   policy.NewEngine(log),
		policies: policies,
		shell:    shellcheck.New(),
		log:      log,
		matcher:  m,
	}, nil
}

// SetAudit attaches an audit logger; every completed scan appends one event.
func (p *Pipeline) SetAudit(l *audit.Logger) { p.audit = l }

// Reload re-reads packs from disk and recompiles the matcher. In-flight scans
// finish against the matcher they started with.
func (p *Pipeline) Reload() error {
	if err := p.reg.ReloadAllPacks(); err != nil {
		return err
	}
	m, err := matcher.New(p.reg.GetAllRules(), p.log)
	if err != nil {
		return fmt.Errorf("recompile rule set: %w", err)
	}
	p.mu.Lock()
	p.matcher = m
	p.mu.Unlock()
	return nil
}

func (p *Pipeline) currentMatcher() *matcher.Matcher {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.matcher
}

// Scan runs the full pipeline on one text.
func (p *Pipeline) Scan(ctx context.Context, text string) (Result, error) {
	start := time.Now()
	result := Result{
		ScanID:   uuid.NewString(),
		TextHash: hashText(text),
	}
	p.totalScans.Add(1)

	var detections []rules.Detection

	// Normalizer pre-check. The sanitized copy is also scanned by L1 so a
	// zero-width-split "ignore previous instructions" still matches.
	l1Input := text
	if p.cfg.Scan.CheckUnicode {
		norm := textnorm.Scan(text)
		detections = append(detections, norm.Detections()...)
		if !norm.Clean {
			l1Input = text + "\n" + norm.Sanitized
		}
	}

	m := p.currentMatcher()
	detections = append(detections, m.Scan(l1Input)...)

	if p.cfg.Scan.CheckShell {
		detections = append(detections, p.shell.Scan(text)...)
	}

	// Fail-fast: a critical, high-confidence L1 hit settles the question and
	// the scorer is skipped. A clean L1 pass also skips it unless the
	// configuration forces L2 on every scan.
	switch {
	case !p.cfg.Scan.EnableL2 || p.provider == nil:
		result.L2Skipped = true
		result.L2SkippedReason = "l2 disabled"
	case p.shouldSkipL2(detections):
		result.L2Skipped = true
		result.L2SkippedReason = "critical detection at or above confidence floor"
	case len(detections) == 0 && !p.cfg.Scan.AlwaysRunL2:
		result.L2Skipped = true
		result.L2SkippedReason = "no detections"
	default:
		inputs, err := p.provider.Classify(ctx, text)
		if err != nil {
			// L2 is advisory; a provider failure degrades to L1-only.
			p.log.Warn("inference provider failed, continuing with L1 only",
				"scan_id", result.ScanID, "provider", p.provider.Name(), "error", err)
			result.L2Skipped = true
			result.L2SkippedReason = "provider error"
		} else {
			score := p.scorer.Score(inputs)
			result.ThreatScore = &score
			if score.Decision == voting.VoteThreat {
				detections = append(detections, l2Detection(score))
			}
		}
	}

	if p.cfg.Scan.RedactResults {
		detections = redact.Detections(detections)
	}
	result.Detections = detections
	result.HasThreats = len(detections) > 0
	if result.HasThreats {
		p.totalThreats.Add(1)
	}

	result.PolicyDecision = p.engine.Apply(detections, p.policies)
	result.Outcome = outcomeFor(result.PolicyDecision.Action)
	result.ShouldBlock = result.Outcome == OutcomeBlocked
	if result.ShouldBlock {
		p.totalBlocked.Add(1)
	}

	result.Duration = time.Since(start)
	p.totalDurationUs.Add(uint64(result.Duration.Microseconds()))
	if p.audit != nil {
		ruleIDs := make([]string, 0, len(result.Detections))
		for _, d := range result.Detections {
			ruleIDs = append(ruleIDs, d.RuleID)
		}
		event := audit.Event{
			ScanID:     result.ScanID,
			TextHash:   result.TextHash,
			Outcome:    string(result.Outcome),
			Action:     string(result.PolicyDecision.Action),
			Severity:   string(result.PolicyDecision.FinalSeverity),
			RuleIDs:    ruleIDs,
			DurationMs: float64(result.Duration.Microseconds()) / 1000.0,
		}
		if result.ThreatScore != nil {
			event.L2Decision = string(result.ThreatScore.Decision)
		}
		if err := p.audit.Log(event); err != nil {
			p.log.Warn("audit write failed", "scan_id", result.ScanID, "error", err)
		}
	}
	p.log.Info("scan complete",
		"scan_id", result.ScanID,
		"text_hash", result.TextHash,
		"detections", len(result.Detections),
		"outcome", result.Outcome,
		"l2_skipped", result.L2Skipped,
		"duration", result.Duration)
	return result, nil
}

// ScanBatch scans texts concurrently and returns results in input order.
func (p *Pipeline) ScanBatch(ctx context.Context, texts []string) ([]Result, error) {
	results := make([]Result, len(texts))
	errs := make([]error, len(texts))

	var wg sync.WaitGroup
	for i, text := range texts {
		wg.Add(1)
		go func(i int, text string) {
			defer wg.Done()
			results[i], errs[i] = p.Scan(ctx, text)
		}(i, text)
	}
	wg.Wait()

	for _, err := range errs {
		if err != nil {
			return results, err
		}
	}
	return results, nil
}

// Stats returns a snapshot of the pipeline counters.
func (p *Pipeline) Stats() Stats {
	s := Stats{
		TotalScans:   p.totalScans.Load(),
		TotalThreats: p.totalThreats.Load(),
		TotalBlocked: p.totalBlocked.Load(),
	}
	if s.TotalScans > 0 {
		s.AvgDurationMs = float64(p.totalDurationUs.Load()) / 1000.0 / float64(s.TotalScans)
	}
	return s
}

func (p *Pipeline) shouldSkipL2(detections []rules.Detection) bool {
	if !p.cfg.Scan.FailFastOnCritical || p.cfg.Scan.AlwaysRunL2 {
		return false
	}
	for _, d := range detections {
		if d.Severity == rules.SeverityCritical && d.Confidence >= p.cfg.Scan.MinConfidenceForSkip {
			return true
		}
	}
	return false
}

// l2Detection folds a threat classification into a detection so the policy
// engine can act on it uniformly with L1 output.
func l2Detection(score voting.ThreatScore) rules.Detection {
	severity := rules.SeverityMedium
	category := "ml_classification"
	for _, pred := range score.Predictions {
		switch pred.Head {
		case voting.HeadSeverity:
			if s, err := rules.ParseSeverity(pred.Label); err == nil {
				severity = s
			}
		case voting.HeadFamily:
			if pred.Label != "" {
				category = pred.Label
			}
		}
	}
	return rules.Detection{
		RuleID:     "voting-scorer",
		Severity:   severity,
		Confidence: score.Confidence,
		Layer:      rules.LayerL2,
		Category:   category,
	}
}

func outcomeFor(action policy.Action) Outcome {
	switch action {
	case policy.ActionBlock:
		return OutcomeBlocked
	case policy.ActionFlag:
		return OutcomeFlagged
	case policy.ActionLog:
		return OutcomeLogged
	}
	return OutcomeAllowed
}

func hashText(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}
