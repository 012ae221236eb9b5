// Package pack loads versioned rule packs from disk. A pack directory holds a
// pack.yaml manifest plus one YAML file per declared rule; pack type
// directories hold v<semver> subdirectories, one per published version.
package pack

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/promptwall/promptwall/internal/rules"
)

// ManifestFile is the fixed name of the pack manifest inside a pack directory.
const ManifestFile = "pack.yaml"

// PackType distinguishes official, community, and customer-authored packs.
type PackType string

const (
	TypeOfficial  PackType = "OFFICIAL"
	TypeCommunity PackType = "COMMUNITY"
	TypeCustom    PackType = "CUSTOM"
)

// ManifestRule is one rule declaration in a manifest: identity plus the
// rule file's path relative to the pack directory.
type ManifestRule struct {
	ID      string `yaml:"id" validate:"required"`
	Version string `yaml:"version" validate:"required"`
	Path    string `yaml:"path" validate:"required"`
}

// Manifest is the pack.yaml contents.
type Manifest struct {
	ID            string            `yaml:"id" validate:"required"`
	Version       string            `yaml:"version" validate:"required"`
	Name          string            `yaml:"name" validate:"required"`
	Type          PackType          `yaml:"type" validate:"required,oneof=OFFICIAL COMMUNITY CUSTOM"`
	SchemaVersion string            `yaml:"schema_version"`
	Rules         []ManifestRule    `yaml:"rules" validate:"required,min=1,dive"`
	Metadata      map[string]string `yaml:"metadata,omitempty"`
}

// Pack is a loaded rule pack. Immutable after load; shared read-only across
// scans until the registry swaps in a new snapshot.
type Pack struct {
	Manifest Manifest
	Rules    []rules.Rule
}

// LoadError reports why a pack failed to load.
type LoadError struct {
	Dir    string
	Reason string
	Err    error
}

func (e *LoadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pack %s: %s: %v", e.Dir, e.Reason, e.Err)
	}
	return fmt.Sprintf("pack %s: %s", e.Dir, e.Reason)
}

func (e *LoadError) Unwrap() error { return e.Err }

func loadErr(dir, reason string, err error) *LoadError {
	return &LoadError{Dir: dir, Reason: reason, Err: err}
}

// LoadPack reads a pack directory into a Pack. In strict mode any rule file
// that is missing or invalid fails the load; in non-strict mode bad rule files
// are skipped, but the pack must still end up with at least one rule. A loaded
// rule whose id or version differs from the manifest declaration is an error
// in both modes: identity mismatches are never tolerated.
func LoadPack(dir string, strict bool) (*Pack, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, loadErr(dir, "directory missing", err)
	}

	manifest, err := loadManifest(dir)
	if err != nil {
		return nil, err
	}

	loaded := make([]rules.Rule, 0, len(manifest.Rules))
	var skipped []string
	for _, decl := range manifest.Rules {
		rule, err := loadRuleFile(filepath.Join(dir, filepath.FromSlash(decl.Path)))
		if err != nil {
			if strict {
				return nil, loadErr(dir, fmt.Sprintf("rule %s@%s", decl.ID, decl.Version), err)
			}
			skipped = append(skipped, decl.ID)
			continue
		}
		if rule.ID != decl.ID || rule.Version != decl.Version {
			return nil, loadErr(dir, fmt.Sprintf(
				"rule file %s declares %s@%s but manifest expects %s@%s",
				decl.Path, rule.ID, rule.Version, decl.ID, decl.Version), nil)
		}
		loaded = append(loaded, rule)
	}

	if len(loaded) == 0 {
		return nil, loadErr(dir, fmt.Sprintf("no rules loaded (%d declared, skipped: %s)",
			len(manifest.Rules), strings.Join(skipped, ", ")), nil)
	}

	return &Pack{Manifest: *manifest, Rules: loaded}, nil
}

// LoadLatestPack scans typeDir for v*.*.* subdirectories and loads the
// lexicographically highest version. Returns (nil, nil) when no version
// directory exists.
func LoadLatestPack(typeDir string, strict bool) (*Pack, error) {
	entries, err := os.ReadDir(typeDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, loadErr(typeDir, "read type directory", err)
	}

	var versions []string
	for _, entry := range entries {
		if entry.IsDir() && isVersionDir(entry.Name()) {
			versions = append(versions, entry.Name())
		}
	}
	if len(versions) == 0 {
		return nil, nil
	}
	sort.Strings(versions)
	latest := versions[len(versions)-1]

	return LoadPack(filepath.Join(typeDir, latest), strict)
}

// LoadPacksFromDirectory loads every immediate subdirectory of root as an
// independent pack, skipping subdirectories without a manifest.
func LoadPacksFromDirectory(root string, strict bool) ([]*Pack, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, loadErr(root, "read directory", err)
	}

	var packs []*Pack
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := filepath.Join(root, entry.Name())
		if _, err := os.Stat(filepath.Join(dir, ManifestFile)); err != nil {
			continue
		}
		p, err := LoadPack(dir, strict)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, nil
}

func loadManifest(dir string) (*Manifest, error) {
	path := filepath.Join(dir, ManifestFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, loadErr(dir, "manifest missing", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, loadErr(dir, "manifest unparsable", err)
	}
	if err := rules.Validator().Struct(m); err != nil {
		return nil, loadErr(dir, "manifest invalid", err)
	}
	return &m, nil
}

func loadRuleFile(path string) (rules.Rule, error) {
	var rule rules.Rule
	data, err := os.ReadFile(path)
	if err != nil {
		return rule, err
	}
	if err := yaml.Unmarshal(data, &rule); err != nil {
		return rule, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	if err := rule.Validate(); err != nil {
		return rule, err
	}
	return rule, nil
}

// isVersionDir matches v<major>.<minor>.<patch> directory names.
func isVersionDir(name string) bool {
	if !strings.HasPrefix(name, "v") {
		return false
	}
	parts := strings.Split(name[1:], ".")
	if len(parts) != 3 {
		return false
	}
	for _, part := range parts {
		if part == "" {
			return false
		}
		for _, c := range part {
			if c < '0' || c > '9' {
				return false
			}
		}
	}
	return true
}
