package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var noCache bool

var listToolsCmd = &cobra.Command{
	Use:   "list-tools [-- command args...]",
	Short: "List the merged tool set across every connected server",
	RunE:  runListTools,
}

func init() {
	listToolsCmd.Flags().BoolVar(&noCache, "refresh", false, "bypass the tool cache and re-query every server")
}

func runListTools(cmd *cobra.Command, argv []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sess, err := connectAll(ctx, argv)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	tools, err := sess.aggregator.ListTools(ctx, !noCache)
	if err != nil {
		return fmt.Errorf("list-tools: %w", err)
	}

	type toolView struct {
		Server      string          `json:"server"`
		Name        string          `json:"name"`
		Title       string          `json:"title,omitempty"`
		Description string          `json:"description,omitempty"`
		InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	}
	views := make([]toolView, len(tools))
	for i, t := range tools {
		views[i] = toolView{Server: t.Server, Name: t.Name, Title: t.Title, Description: t.Description, InputSchema: t.InputSchema}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}
