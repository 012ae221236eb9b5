package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/promptwall/promptwall/internal/policy"
)

var policiesCmd = &cobra.Command{
	Use:   "policies",
	Short: "Inspect enforcement policies",
}

var policiesValidateCmd = &cobra.Command{
	Use:   "validate <policies.yaml>",
	Short: "Validate a policy file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		policies, err := policy.LoadPolicies(args[0])
		if err != nil {
			return err
		}
		fmt.Printf("OK: %d policies\n", len(policies))
		for _, p := range policies {
			state := "enabled"
			if !p.Enabled {
				state = "disabled"
			}
			fmt.Printf("  %-24s priority=%-4d %s  %s\n", p.PolicyID, p.Priority, p.Action, state)
		}
		return nil
	},
}

func init() {
	policiesCmd.AddCommand(policiesValidateCmd)
	rootCmd.AddCommand(policiesCmd)
}
