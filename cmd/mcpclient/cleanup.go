package main

import (
	"context"
	"fmt"

	"github.com/fyrsmithlabs/mcpclient/pkg/oauth"
	"github.com/spf13/cobra"
)

var forgetTokens bool

var cleanupCmd = &cobra.Command{
	Use:   "cleanup [-- command args...]",
	Short: "Tear down every connection and optionally forget stored OAuth tokens",
	Long: `Connect, then immediately close every server (issuing the session-
termination DELETE where the transport supports one). With --forget-tokens
and --token-dir, also deletes the persisted token for each closed server, so
the next connect repeats the full OAuth authorization flow.`,
	RunE: runCleanup,
}

func init() {
	cleanupCmd.Flags().BoolVar(&forgetTokens, "forget-tokens", false, "delete each server's persisted OAuth token")
}

func runCleanup(cmd *cobra.Command, argv []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sess, err := connectAll(ctx, argv)
	if err != nil {
		return err
	}
	names := sess.aggregator.Servers()
	closeErr := sess.close(ctx)

	if forgetTokens && tokenDir != "" {
		store, err := oauth.NewFileTokenStore(tokenDir)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		for _, name := range names {
			if err := store.Delete(ctx, name); err != nil {
				fmt.Printf("%s: failed to forget token: %v\n", name, err)
				continue
			}
			fmt.Printf("%s: disconnected, token forgotten\n", name)
		}
		return closeErr
	}

	for _, name := range names {
		fmt.Printf("%s: disconnected\n", name)
	}
	return closeErr
}
