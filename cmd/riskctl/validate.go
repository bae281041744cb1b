package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/liamcoop/minerisk/rules"
)

var validateRules string

func init() {
	rootCmd.AddCommand(validateCmd)
	validateCmd.Flags().StringVar(&validateRules, "rules", "", "Path to rule file YAML (required)")
	validateCmd.MarkFlagRequired("rules")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check a rule file before deploying it",
	Long: "Parses the rule file, validates every rule and compiles every expression\n" +
		"condition, exactly as the server does when rules are added.",
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	all, err := rules.LoadRuleFile(validateRules)
	if err != nil {
		return err
	}

	engine := rules.NewEngine(rules.NewInMemoryRuleStore())
	for _, r := range all {
		if err := engine.AddRule(r); err != nil {
			return fmt.Errorf("%s: %w", r.Code, err)
		}
	}

	enabled, err := engine.EnabledRules()
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%d rules valid (%d enabled)\n", len(all), len(enabled))
	return nil
}
