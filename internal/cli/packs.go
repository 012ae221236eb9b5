package cli

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/promptwall/promptwall/internal/config"
	"github.com/promptwall/promptwall/internal/pack"
	"github.com/promptwall/promptwall/internal/registry"
)

var packsCmd = &cobra.Command{
	Use:   "packs",
	Short: "Inspect rule packs",
}

var packsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the active pack per precedence tier",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		reg := registry.New(cfg.PacksRoot,
			registry.WithStrict(cfg.Strict),
			registry.WithLogger(slog.Default()))
		if err := reg.LoadAllPacks(); err != nil {
			return err
		}

		info := reg.GetPackInfo()
		if len(info) == 0 {
			fmt.Printf("No packs loaded from %s\n", cfg.PacksRoot)
			return nil
		}
		for _, tier := range registry.DefaultPrecedence() {
			pi, ok := info[tier]
			if !ok {
				fmt.Printf("%-10s (none)\n", tier)
				continue
			}
			fmt.Printf("%-10s %s %s  %q  %d rules\n", tier, pi.ID, pi.Version, pi.Name, pi.RuleCount)
		}
		return nil
	},
}

var packsValidateCmd = &cobra.Command{
	Use:   "validate <pack-dir>",
	Short: "Validate a pack directory (manifest plus every rule file)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := filepath.Clean(args[0])
		p, err := pack.LoadPack(dir, true)
		if err != nil {
			return err
		}
		fmt.Printf("OK: pack %s %s (%d rules)\n", p.Manifest.ID, p.Manifest.Version, len(p.Rules))
		return nil
	},
}

func init() {
	packsCmd.AddCommand(packsListCmd)
	packsCmd.AddCommand(packsValidateCmd)
	rootCmd.AddCommand(packsCmd)
}
