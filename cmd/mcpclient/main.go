// Package main implements mcpclient, a reference CLI over this module's
// client library: connect to one or more MCP servers, list and call their
// tools, ping them, and tear the connections down again.
package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

var (
	configPath      string
	target          string
	serverRef       string
	protocolVersion string
	tokenDir        string
	timeout         time.Duration

	version = "dev"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mcpclient",
	Short: "CLI for connecting to and driving MCP servers",
	Long: `mcpclient is a command-line client for the Model Context Protocol.
It connects to one or more servers, described either by a server-definitions
file (--config) or by a single quick-connect target (--target), and exposes
their tools, prompts, and resources.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to a server-definitions file (JSON or YAML)")
	rootCmd.PersistentFlags().StringVar(&target, "target", "", "quick-connect target: a URL or a command name, when not using --config")
	rootCmd.PersistentFlags().StringVar(&serverRef, "server", "", "server name to target; with --config, connects only that definition (default: every definition in the file)")
	rootCmd.PersistentFlags().StringVar(&protocolVersion, "protocol-version", "", "protocolVersion to advertise on initialize (defaults per transport)")
	rootCmd.PersistentFlags().StringVar(&tokenDir, "token-dir", "", "directory for persisted OAuth tokens (defaults to an in-memory store)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "overall command timeout")

	rootCmd.AddCommand(connectCmd)
	rootCmd.AddCommand(listToolsCmd)
	rootCmd.AddCommand(callToolCmd)
	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(cleanupCmd)
}
