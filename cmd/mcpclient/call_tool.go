package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	toolName string
	toolArgs string
	onServer string
)

var callToolCmd = &cobra.Command{
	Use:   "call-tool [-- command args...]",
	Short: "Call one tool and print its result",
	Long: `Resolve --tool against the connected server(s) (disambiguating by
--on when the same tool name is exposed by more than one) and invoke it
with --tool-args, a JSON object.

Examples:
  mcpclient call-tool --config servers.yaml --tool get_weather --tool-args '{"city":"Berlin"}'
  mcpclient call-tool --target https://example.com/mcp --tool echo --tool-args '{}'`,
	RunE: runCallTool,
}

func init() {
	callToolCmd.Flags().StringVar(&toolName, "tool", "", "tool name to call (required)")
	callToolCmd.Flags().StringVar(&toolArgs, "tool-args", "{}", "tool arguments, as a JSON object")
	callToolCmd.Flags().StringVar(&onServer, "on", "", "server name to call the tool on, when ambiguous")
	_ = callToolCmd.MarkFlagRequired("tool")
}

func runCallTool(cmd *cobra.Command, argv []string) error {
	var args map[string]any
	if err := json.Unmarshal([]byte(toolArgs), &args); err != nil {
		return fmt.Errorf("--tool-args: invalid JSON object: %w", err)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
	defer cancel()

	sess, err := connectAll(ctx, argv)
	if err != nil {
		return err
	}
	defer sess.close(ctx)

	if _, err := sess.aggregator.ListTools(ctx, true); err != nil {
		return fmt.Errorf("call-tool: priming tool cache: %w", err)
	}

	result, err := sess.aggregator.CallTool(ctx, toolName, args, onServer)
	if err != nil {
		return fmt.Errorf("call-tool: %w", err)
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
