package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:           "replydesk",
	Short:         "Helpdesk reply drafting and ticket lifecycle server",
	SilenceUsage:  true,
	SilenceErrors: true,
	Version:       version,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", os.Getenv("NO_COLOR") != "", "disable colored output")
	rootCmd.PersistentFlags().String("user", "", "acting user ID (default $REPLYDESK_USER)")
	rootCmd.PersistentFlags().String("role", "", "acting role: admin, manager or agent (default $REPLYDESK_ROLE)")

	rootCmd.AddCommand(startCmd, stopCmd, statusCmd)
	rootCmd.AddCommand(ticketsCmd, draftCmd, watchCmd, guardrailsCmd, configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		printError("%v", err)
		os.Exit(1)
	}
}
