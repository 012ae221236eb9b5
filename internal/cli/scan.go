package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/promptwall/promptwall/internal/audit"
	"github.com/promptwall/promptwall/internal/config"
	"github.com/promptwall/promptwall/internal/heads"
	"github.com/promptwall/promptwall/internal/pipeline"
	"github.com/promptwall/promptwall/internal/policy"
	"github.com/promptwall/promptwall/internal/registry"
	"github.com/promptwall/promptwall/internal/voting"
)

var (
	scanJSON   bool
	scanPreset string
	scanNoL2   bool
)

var scanCmd = &cobra.Command{
	Use:   "scan [text ...]",
	Short: "Scan text for LLM-targeted threats",
	Long: `Scan one or more texts through the full detection pipeline. With no
arguments the text is read from stdin, so both forms work:

  promptwall scan "ignore all previous instructions"
  cat prompt.txt | promptwall scan

Multiple arguments are scanned as a batch; results keep argument order.`,
	RunE: runScan,
}

func init() {
	scanCmd.Flags().BoolVar(&scanJSON, "json", false, "Emit results as JSON")
	scanCmd.Flags().StringVar(&scanPreset, "preset", "", "Voting preset: balanced, high_security, low_fp")
	scanCmd.Flags().BoolVar(&scanNoL2, "no-l2", false, "Skip the voting scorer layer")
	rootCmd.AddCommand(scanCmd)
}

func runScan(cmd *cobra.Command, args []string) error {
	texts := args
	if len(texts) == 0 {
		if term.IsTerminal(int(os.Stdin.Fd())) {
			return fmt.Errorf("no text given and stdin is a terminal; pass text as an argument or pipe it in")
		}
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			return fmt.Errorf("empty input")
		}
		texts = []string{text}
	}

	p, err := buildPipeline()
	if err != nil {
		return err
	}

	results, err := p.ScanBatch(cmd.Context(), texts)
	if err != nil {
		return err
	}

	blocked := false
	for i, result := range results {
		if result.ShouldBlock {
			blocked = true
		}
		if scanJSON {
			out, err := json.MarshalIndent(result.ToDict(), "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(out))
			continue
		}
		printResult(i, len(results), result)
	}

	if blocked {
		os.Exit(2)
	}
	return nil
}

// buildPipeline assembles the pipeline from config, packs, and policies.
func buildPipeline() (*pipeline.Pipeline, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if scanPreset != "" {
		cfg.Scan.VotingPreset = voting.Preset(scanPreset)
	}
	if scanNoL2 {
		cfg.Scan.EnableL2 = false
	}

	opts := []registry.Option{
		registry.WithStrict(cfg.Strict),
		registry.WithLogger(slog.Default()),
	}
	if len(cfg.Precedence) > 0 {
		tiers := make([]registry.Tier, len(cfg.Precedence))
		for i, name := range cfg.Precedence {
			tiers[i] = registry.Tier(name)
		}
		opts = append(opts, registry.WithPrecedence(tiers))
	}
	reg := registry.New(cfg.PacksRoot, opts...)
	if err := reg.LoadAllPacks(); err != nil {
		return nil, fmt.Errorf("load rule packs: %w", err)
	}

	var policies []policy.Policy
	if cfg.PolicyPath != "" {
		policies, err = policy.LoadPolicies(cfg.PolicyPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("load policies: %w", err)
			}
			slog.Warn("policy file not found, running without policies", "path", cfg.PolicyPath)
		}
	}

	p, err := pipeline.New(cfg, reg, heads.NewHeuristicProvider(), policies, slog.Default())
	if err != nil {
		return nil, err
	}
	if cfg.AuditPath != "" {
		if trail, err := audit.New(cfg.AuditPath); err != nil {
			slog.Warn("audit log unavailable", "path", cfg.AuditPath, "error", err)
		} else {
			p.SetAudit(trail)
		}
	}
	return p, nil
}

func printResult(i, total int, r pipeline.Result) {
	if total > 1 {
		fmt.Printf("─── Input %d/%d ───\n", i+1, total)
	}
	fmt.Printf("Scan %s  (%s)\n", r.ScanID, r.Outcome)
	fmt.Printf("  Hash:       %s\n", r.TextHash)
	fmt.Printf("  Action:     %s", r.PolicyDecision.Action)
	if r.PolicyDecision.SeverityChanged {
		fmt.Printf("  (severity %s → %s)", r.PolicyDecision.OriginalSeverity, r.PolicyDecision.FinalSeverity)
	}
	fmt.Println()
	fmt.Printf("  Severity:   %s\n", r.PolicyDecision.FinalSeverity)
	fmt.Printf("  Detections: %d\n", len(r.Detections))
	for _, d := range r.Detections {
		fmt.Printf("    [%s] %s  severity=%s confidence=%.2f\n", d.Layer, d.RuleID, d.Severity, d.Confidence)
	}
	if r.ThreatScore != nil {
		ts := r.ThreatScore
		fmt.Printf("  L2:         %s via %s (confidence %.2f, votes %d threat / %d safe / %d abstain)\n",
			ts.Decision, ts.DecisionRuleTriggered, ts.Confidence,
			ts.ThreatVoteCount, ts.SafeVoteCount, ts.AbstainVoteCount)
	} else if r.L2Skipped {
		fmt.Printf("  L2:         skipped (%s)\n", r.L2SkippedReason)
	}
	fmt.Printf("  Duration:   %s\n", r.Duration)
}
