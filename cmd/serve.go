package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/buybox-queue/internal/server"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Runs the HTTP API, progress websocket, and schedule",
		Long: `Starts the engine behind the HTTP API. A run interrupted by a restart
resumes from the persisted queue state.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Context())
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg, server.Options{})
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
