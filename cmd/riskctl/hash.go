package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/minerisk/audit"
)

var (
	hashRules string

	verifyRules string
	verifyHash  string
	verifyEntry string

	replayRules   string
	replayEntry   string
	replayContext string
)

// errNotReproducible makes verify and replay exit non-zero on drift
var errNotReproducible = errors.New("not reproducible with the current ruleset")

func init() {
	rootCmd.AddCommand(hashCmd, verifyCmd, replayCmd)

	hashCmd.Flags().StringVar(&hashRules, "rules", "", "Path to rule file YAML (required)")
	hashCmd.MarkFlagRequired("rules")

	verifyCmd.Flags().StringVar(&verifyRules, "rules", "", "Path to rule file YAML (required)")
	verifyCmd.Flags().StringVar(&verifyHash, "hash", "", "Stored rule version hash")
	verifyCmd.Flags().StringVar(&verifyEntry, "entry", "", "Path to an audit entry JSON")
	verifyCmd.MarkFlagRequired("rules")
	verifyCmd.MarkFlagsOneRequired("hash", "entry")
	verifyCmd.MarkFlagsMutuallyExclusive("hash", "entry")

	replayCmd.Flags().StringVar(&replayRules, "rules", "", "Path to rule file YAML (required)")
	replayCmd.Flags().StringVar(&replayEntry, "entry", "", "Path to an audit entry JSON (required)")
	replayCmd.Flags().StringVar(&replayContext, "context", "-", "Path to the entry's risk context JSON, - for stdin")
	replayCmd.MarkFlagRequired("rules")
	replayCmd.MarkFlagRequired("entry")
}

var hashCmd = &cobra.Command{
	Use:   "hash",
	Short: "Print the version hash of a rule file's enabled rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		ruleset, err := loadEnabledRules(hashRules)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), audit.RuleVersionHash(ruleset))
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Check a stored rule version hash against a rule file",
	Long: "Recomputes the version hash of the rule file's enabled rules and compares\n" +
		"it with a hash recorded in an audit entry. Exits non-zero when they differ.",
	RunE: runVerify,
}

func runVerify(cmd *cobra.Command, args []string) error {
	ruleset, err := loadEnabledRules(verifyRules)
	if err != nil {
		return err
	}

	stored := verifyHash
	if verifyEntry != "" {
		entry, err := loadEntry(verifyEntry)
		if err != nil {
			return err
		}
		stored = entry.RuleVersionHash
	}

	v := audit.VerifyReproducibility(ruleset, stored)
	fmt.Fprintf(cmd.OutOrStdout(), "stored:  %s\ncurrent: %s\n", stored, v.CurrentHash)
	if !v.Reproducible {
		return errNotReproducible
	}
	fmt.Fprintln(cmd.OutOrStdout(), "reproducible")
	return nil
}

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Recompute an audited score with a rule file",
	Long: "Re-runs the engine over the context an audit entry was built from and\n" +
		"reports whether both the ruleset hash and the score still match.",
	RunE: runReplay,
}

func runReplay(cmd *cobra.Command, args []string) error {
	ruleset, err := loadEnabledRules(replayRules)
	if err != nil {
		return err
	}
	entry, err := loadEntry(replayEntry)
	if err != nil {
		return err
	}
	rc, err := loadContext(cmd.InOrStdin(), replayContext)
	if err != nil {
		return err
	}

	replay := audit.ReplayEntry(entry, rc, ruleset)
	if err := writeJSON(cmd.OutOrStdout(), replay); err != nil {
		return err
	}
	if !replay.Reproducible || !replay.ScoreMatches {
		return errNotReproducible
	}
	return nil
}

func loadEntry(path string) (*audit.Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit entry: %w", err)
	}
	var entry audit.Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, fmt.Errorf("failed to parse audit entry: %w", err)
	}
	if entry.RuleVersionHash == "" {
		return nil, fmt.Errorf("audit entry has no ruleVersionHash")
	}
	return &entry, nil
}
