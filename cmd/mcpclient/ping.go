package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping [-- command args...]",
	Short: "Ping every connected server and report round-trip time",
	RunE:  runPing,
}

func runPing(cmd *cobra.Command, argv []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sess, err := connectAll(ctx, argv)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	var failed bool
	for _, name := range sess.aggregator.Servers() {
		srv := sess.byName[name]
		start := time.Now()
		_, err := srv.Ping(ctx)
		elapsed := time.Since(start)
		if err != nil {
			failed = true
			fmt.Fprintf(os.Stderr, "%s: FAILED after %s: %v\n", name, elapsed, err)
			continue
		}
		fmt.Printf("%s: ok (%s)\n", name, elapsed)
	}
	if failed {
		return fmt.Errorf("ping: one or more servers failed")
	}
	return nil
}
