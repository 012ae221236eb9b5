// Package registry resolves rules across precedence-ordered pack tiers.
// Lookups read an immutable snapshot behind an atomic pointer, so reloads can
// run while scans are in flight: readers keep the snapshot they started with
// and the swap publishes the new rule set atomically.
package registry

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/promptwall/promptwall/internal/pack"
	"github.com/promptwall/promptwall/internal/rules"
)

// Tier is a pack precedence tier. The tier name doubles as the subdirectory
// name under the packs root.
type Tier string

const (
	TierCustom    Tier = "custom"
	TierCommunity Tier = "community"
	TierCore      Tier = "core"
)

// DefaultPrecedence lists tiers highest priority first: a custom pack's rule
// always wins over a community or core rule with the same id.
func DefaultPrecedence() []Tier {
	return []Tier{TierCustom, TierCommunity, TierCore}
}

// PackInfo summarizes a loaded pack for registry introspection.
type PackInfo struct {
	ID            string `json:"id"`
	Version       string `json:"version"`
	Name          string `json:"name"`
	PackType      string `json:"pack_type"`
	RuleCount     int    `json:"rule_count"`
	SchemaVersion string `json:"schema_version"`
}

// Registry loads at most one pack (its latest version) per precedence tier
// and answers rule lookups in precedence order.
type Registry struct {
	root       string
	precedence []Tier
	strict     bool
	log        *slog.Logger

	snap atomic.Pointer[snapshot]
}

// snapshot is the immutable loaded state shared by concurrent readers.
type snapshot struct {
	packs map[Tier]*pack.Pack
	order []Tier
}

// Option configures a Registry.
type Option func(*Registry)

// WithPrecedence overrides the default tier order (highest priority first).
func WithPrecedence(tiers []Tier) Option {
	return func(r *Registry) {
		if len(tiers) > 0 {
			r.precedence = tiers
		}
	}
}

// WithStrict makes pack-load failures fatal instead of skipping the tier.
func WithStrict(strict bool) Option {
	return func(r *Registry) { r.strict = strict }
}

// WithLogger sets the registry's logger.
func WithLogger(log *slog.Logger) Option {
	return func(r *Registry) {
		if log != nil {
			r.log = log
		}
	}
}

// New creates a registry rooted at the packs directory. Call LoadAllPacks
// before the first lookup.
func New(root string, opts ...Option) *Registry {
	r := &Registry{
		root:       root,
		precedence: DefaultPrecedence(),
		log:        slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.snap.Store(&snapshot{packs: map[Tier]*pack.Pack{}, order: r.precedence})
	return r
}

// LoadAllPacks loads the latest pack version of every precedence tier into a
// fresh snapshot, then swaps it in. In non-strict mode a tier that fails to
// load is logged and skipped; in strict mode the error propagates and the
// previous snapshot stays active.
func (r *Registry) LoadAllPacks() error {
	next := &snapshot{packs: make(map[Tier]*pack.Pack, len(r.precedence)), order: r.precedence}

	for _, tier := range r.precedence {
		p, err := pack.LoadLatestPack(filepath.Join(r.root, string(tier)), r.strict)
		if err != nil {
			if r.strict {
				return fmt.Errorf("load tier %s: %w", tier, err)
			}
			r.log.Warn("skipping pack tier", "tier", tier, "error", err)
			continue
		}
		if p == nil {
			continue
		}
		next.packs[tier] = p
	}

	r.snap.Store(next)
	r.log.Info("rule packs loaded", "packs", len(next.packs), "rules", len(r.GetAllRulesWithVersions()))
	return nil
}

// ReloadAllPacks rebuilds the snapshot from disk. In-flight readers continue
// against the snapshot they already hold.
func (r *Registry) ReloadAllPacks() error {
	return r.LoadAllPacks()
}

// GetRule returns the first rule with the given id walking tiers in
// precedence order. This is precedence, not recency: a custom pack's copy
// wins over core's regardless of version numbers.
func (r *Registry) GetRule(id string) (rules.Rule, bool) {
	s := r.snap.Load()
	for _, tier := range s.order {
		p, ok := s.packs[tier]
		if !ok {
			continue
		}
		for _, rule := range p.Rules {
			if rule.ID == id {
				return rule, true
			}
		}
	}
	return rules.Rule{}, false
}

// GetRuleVersioned returns the first exact id+version match across tiers,
// ignoring precedence.
func (r *Registry) GetRuleVersioned(id, version string) (rules.Rule, bool) {
	s := r.snap.Load()
	for _, tier := range s.order {
		p, ok := s.packs[tier]
		if !ok {
			continue
		}
		for _, rule := range p.Rules {
			if rule.ID == id && rule.Version == version {
				return rule, true
			}
		}
	}
	return rules.Rule{}, false
}

// GetAllRules returns the active rule set deduplicated by rule id, keeping
// the highest-precedence pack's copy of each.
func (r *Registry) GetAllRules() []rules.Rule {
	s := r.snap.Load()
	seen := map[string]bool{}
	var out []rules.Rule
	for _, tier := range s.order {
		p, ok := s.packs[tier]
		if !ok {
			continue
		}
		for _, rule := range p.Rules {
			if seen[rule.ID] {
				continue
			}
			seen[rule.ID] = true
			out = append(out, rule)
		}
	}
	return out
}

// GetAllRulesWithVersions returns every rule from every loaded pack without
// deduplication. Used for diagnostics and version auditing, not scanning.
func (r *Registry) GetAllRulesWithVersions() []rules.Rule {
	s := r.snap.Load()
	var out []rules.Rule
	for _, tier := range s.order {
		if p, ok := s.packs[tier]; ok {
			out = append(out, p.Rules...)
		}
	}
	return out
}

// GetPackInfo returns per-tier pack metadata for the loaded snapshot.
func (r *Registry) GetPackInfo() map[Tier]PackInfo {
	s := r.snap.Load()
	info := make(map[Tier]PackInfo, len(s.packs))
	for tier, p := range s.packs {
		info[tier] = PackInfo{
			ID:            p.Manifest.ID,
			Version:       p.Manifest.Version,
			Name:          p.Manifest.Name,
			PackType:      string(p.Manifest.Type),
			RuleCount:     len(p.Rules),
			SchemaVersion: p.Manifest.SchemaVersion,
		}
	}
	return info
}
