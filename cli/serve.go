package cli

import (
	"github.com/spf13/cobra"

	"github.com/tianshu-ai/tianshu/engine/engines"
	"github.com/tianshu-ai/tianshu/engine/infra/server"
)

func ServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API server",
		RunE:  runServe,
	}
	cmd.Flags().String("host", "", "bind address (overrides config)")
	cmd.Flags().Int("port", 0, "listen port (overrides config)")
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, cancel, cfg, err := setupContext(cmd)
	if err != nil {
		return err
	}
	defer cancel()

	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Server.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port > 0 {
		cfg.Server.Port = port
	}

	svcs, err := buildServices(ctx, cfg)
	if err != nil {
		return err
	}
	defer svcs.store.Close(ctx)

	srv := server.New(cfg, svcs.tasks, svcs.auth, engines.DefaultRegistry(), svcs.store.DB())
	return srv.Run(ctx)
}
