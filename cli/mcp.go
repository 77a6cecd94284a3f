package cli

import (
	"github.com/spf13/cobra"

	"github.com/tianshu-ai/tianshu/engine/mcp"
)

func MCPCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Run the MCP front-end over stdio",
		RunE:  runMCP,
	}
	cmd.Flags().String("api-url", "", "task API base URL (overrides config)")
	cmd.Flags().String("api-key", "", "task API key (overrides config)")
	return cmd
}

func runMCP(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	if url, _ := cmd.Flags().GetString("api-url"); url != "" {
		cfg.MCP.APIURL = url
	}
	if key, _ := cmd.Flags().GetString("api-key"); key != "" {
		cfg.MCP.APIKey = key
	}

	return mcp.NewServer(mcp.NewClient(cfg)).Run(ctx)
}
