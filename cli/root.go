package cli

import (
	"github.com/spf13/cobra"

	"github.com/tianshu-ai/tianshu/pkg/version"
)

func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "tianshu",
		Short:   "Document parsing pipeline: API server, workers and MCP front-end",
		Version: version.GetVersion(),
	}

	root.PersistentFlags().String("log-level", "info", "log level: debug, info, warn, error, disabled")
	root.PersistentFlags().Bool("log-json", false, "emit logs as JSON")
	root.PersistentFlags().Bool("log-source", false, "annotate logs with source locations")

	root.AddCommand(
		ServeCmd(),
		WorkerCmd(),
		MCPCmd(),
	)

	return root
}
