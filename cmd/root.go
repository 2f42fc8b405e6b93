package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "wegate",
	Short: "Secure message gateway between WeCom and an automation agent",
	Long:  "wegate verifies, decrypts, and deduplicates WeCom callback deliveries and hands them to an agent routing collaborator.",
}

// Execute runs the CLI and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
