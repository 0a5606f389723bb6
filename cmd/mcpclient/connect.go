package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var connectCmd = &cobra.Command{
	Use:   "connect [-- command args...]",
	Short: "Connect to one or more servers and print their metadata",
	Long: `Connect to every server named by --config, or to the single
quick-connect target named by --target, run the initialize handshake, print
each server's reported name and version, and disconnect.

Examples:
  mcpclient connect --config servers.yaml
  mcpclient connect --target https://example.com/mcp
  mcpclient connect --target npx -- -y @modelcontextprotocol/server-everything`,
	RunE: runConnect,
}

func runConnect(cmd *cobra.Command, argv []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sess, err := connectAll(ctx, argv)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	for _, name := range sess.aggregator.Servers() {
		srv := sess.byName[name]
		meta := srv.Metadata()
		fmt.Printf("%s: connected (server %q version %q, session %q)\n", name, meta.Name, meta.Version, srv.SessionID())
	}
	return nil
}
