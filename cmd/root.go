// Package cmd wires the tickerchat CLI.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tickerchat",
	Short: "tickerchat - conversation backend with tool-calling agent",
	Long: `tickerchat is a conversation orchestration backend. An AI agent holds
multi-turn conversations, calls external tools (stock quotes, paper search)
mid-conversation, and streams answers to clients over SSE.

Run "tickerchat serve" to start the HTTP API server.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
