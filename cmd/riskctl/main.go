package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/liamcoop/minerisk/internal/logger"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "riskctl",
	Short: "Offline tooling for mine risk rules",
	Long: "Evaluates risk contexts against a rule file, computes ruleset version\n" +
		"hashes and checks audit entries for reproducibility without a server.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		level, err := logger.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)
		logger.SetOutput(os.Stderr)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (trace|debug|info|warn|error)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
