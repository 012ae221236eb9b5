// Package config holds the scan engine configuration: where rule packs live,
// which layers run, and the knobs that tune them. Configuration comes from an
// optional YAML file layered over defaults; CLI flags override both.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/promptwall/promptwall/internal/rules"
	"github.com/promptwall/promptwall/internal/voting"
)

const (
	DefaultConfigDir  = ".promptwall"
	DefaultConfigFile = "config.yaml"
	DefaultPolicyFile = "policies.yaml"
	DefaultAuditFile  = "audit.jsonl"
)

// Config is the full engine configuration.
type Config struct {
	// PacksRoot contains one subdirectory per precedence tier (custom,
	// community, core), each holding versioned rule packs.
	PacksRoot string `yaml:"packs_root" validate:"required"`

	// PolicyPath points at the YAML policy store. Empty disables policies.
	PolicyPath string `yaml:"policy_path,omitempty"`

	// AuditPath is the JSONL audit trail. Empty disables audit logging.
	AuditPath string `yaml:"audit_path,omitempty"`

	// Precedence orders pack tiers highest priority first. Empty means the
	// default custom > community > core.
	Precedence []string `yaml:"precedence,omitempty" validate:"omitempty,min=1,dive,oneof=custom community core"`

	// Strict makes any malformed rule file fail the whole pack load.
	Strict bool `yaml:"strict"`

	Scan ScanConfig `yaml:"scan"`
}

// ScanConfig controls pipeline behavior per scan.
type ScanConfig struct {
	// EnableL2 turns the voting scorer layer on.
	EnableL2 bool `yaml:"enable_l2"`

	// AlwaysRunL2 disables the fail-fast shortcut so L2 runs even when L1
	// already found a critical high-confidence detection.
	AlwaysRunL2 bool `yaml:"always_run_l2"`

	// FailFastOnCritical skips L2 when an L1 detection is critical with
	// confidence at or above MinConfidenceForSkip.
	FailFastOnCritical   bool    `yaml:"fail_fast_on_critical"`
	MinConfidenceForSkip float64 `yaml:"min_confidence_for_skip" validate:"gte=0,lte=1"`

	// VotingPreset selects the L2 weight profile.
	VotingPreset voting.Preset `yaml:"voting_preset" validate:"oneof=balanced high_security low_fp"`

	// CheckUnicode runs the normalizer pre-scan; CheckShell extracts and
	// parses embedded shell snippets.
	CheckUnicode bool `yaml:"check_unicode"`
	CheckShell   bool `yaml:"check_shell"`

	// RedactResults strips secrets from matched text in results and logs.
	RedactResults bool `yaml:"redact_results"`
}

// Default returns the configuration used when no file is present. Packs are
// expected under ~/.promptwall/packs.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	dir := filepath.Join(home, DefaultConfigDir)
	return &Config{
		PacksRoot:  filepath.Join(dir, "packs"),
		PolicyPath: filepath.Join(dir, DefaultPolicyFile),
		AuditPath:  filepath.Join(dir, DefaultAuditFile),
		Strict:     false,
		Scan: ScanConfig{
			EnableL2:             true,
			AlwaysRunL2:          false,
			FailFastOnCritical:   true,
			MinConfidenceForSkip: 0.9,
			VotingPreset:         voting.PresetBalanced,
			CheckUnicode:         true,
			CheckShell:           true,
			RedactResults:        true,
		},
	}
}

// Load reads configuration from path, layered over defaults. An empty path
// tries the default location and falls back to pure defaults when the file
// does not exist; an explicit path that is missing is an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		home, err := os.UserHomeDir()
		if err != nil {
			return cfg, nil
		}
		path = filepath.Join(home, DefaultConfigDir, DefaultConfigFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return cfg, nil
		}
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field constraints.
func (c *Config) Validate() error {
	return rules.Validator().Struct(c)
}
