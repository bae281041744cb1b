package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/liamcoop/minerisk/audit"
	"github.com/liamcoop/minerisk/rules"
)

var (
	evalRules   string
	evalContext string
	evalFormat  string
	evalAudit   bool
)

func init() {
	rootCmd.AddCommand(evaluateCmd)
	evaluateCmd.Flags().StringVar(&evalRules, "rules", "", "Path to rule file YAML (required)")
	evaluateCmd.Flags().StringVar(&evalContext, "context", "-", "Path to risk context JSON, - for stdin")
	evaluateCmd.Flags().StringVarP(&evalFormat, "format", "f", "text", "Output format (text|json)")
	evaluateCmd.Flags().BoolVar(&evalAudit, "audit", false, "Emit the audit entry instead of the calculation (json only)")
	evaluateCmd.MarkFlagRequired("rules")
}

var evaluateCmd = &cobra.Command{
	Use:   "evaluate",
	Short: "Score a risk context against a rule file",
	Long: "Loads the enabled rules from a rule file and scores one level's risk\n" +
		"context with them, printing the score, band, explanation and triggered rules.",
	RunE: runEvaluate,
}

func runEvaluate(cmd *cobra.Command, args []string) error {
	ruleset, err := loadEnabledRules(evalRules)
	if err != nil {
		return err
	}
	rc, err := loadContext(cmd.InOrStdin(), evalContext)
	if err != nil {
		return err
	}

	calc := rules.CalculateRisk(rc, ruleset)
	out := cmd.OutOrStdout()

	if evalAudit {
		return writeJSON(out, audit.CreateEntry(rc, ruleset, calc, nil))
	}

	switch evalFormat {
	case "json":
		return writeJSON(out, calc)
	default:
		fmt.Fprint(out, formatCalculation(rc, calc, audit.RuleVersionHash(ruleset)))
	}
	return nil
}

// loadEnabledRules reads a rule file and returns its enabled rules in evaluation order
func loadEnabledRules(path string) ([]*rules.Rule, error) {
	all, err := rules.LoadRuleFile(path)
	if err != nil {
		return nil, err
	}
	return rules.SortForEvaluation(all), nil
}

// loadContext decodes a risk context. A missing timestamp means now.
func loadContext(stdin io.Reader, path string) (rules.RiskContext, error) {
	var rc rules.RiskContext

	r := stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return rc, fmt.Errorf("failed to open context: %w", err)
		}
		defer f.Close()
		r = f
	}

	if err := json.NewDecoder(r).Decode(&rc); err != nil {
		return rc, fmt.Errorf("failed to parse context: %w", err)
	}
	if rc.Timestamp.IsZero() {
		rc.Timestamp = time.Now().UTC()
	}
	return rc, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func formatCalculation(rc rules.RiskContext, calc *rules.RiskCalculation, hash string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Level %d at %s\n", rc.LevelNumber, rc.Timestamp.Format(time.RFC3339))
	fmt.Fprintf(&b, "Score: %d (%s)\n", calc.Score, strings.ToUpper(string(calc.Band)))
	fmt.Fprintf(&b, "Ruleset: %s\n", hash)
	fmt.Fprintf(&b, "%s\n", calc.Explanation)

	if len(calc.TriggeredRules) > 0 {
		b.WriteString("\nTriggered rules:\n")
		for _, tr := range calc.TriggeredRules {
			impact := fmt.Sprintf("+%d", tr.ImpactValue)
			if tr.ImpactType == rules.ImpactForce {
				impact = fmt.Sprintf("force=%d", tr.ImpactValue)
			}
			fmt.Fprintf(&b, "  %-16s %-10s %s\n", tr.RuleCode, impact, tr.Reason)
		}
	}
	return b.String()
}
