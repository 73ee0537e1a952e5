package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jstrand/listcrawld/internal/server"
)

// newServeCmd creates the 'serve' subcommand: the long-running engine with
// its HTTP control surface.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the crawl engine and its HTTP API",
		Long: `Starts the crawl engine and serves the control API. Sessions are driven
through POST /v1/sessions and observed through the /v1/events stream.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			app, err := server.Build(cmd.Context(), cfg)
			if err != nil {
				return fmt.Errorf("build application: %w", err)
			}
			return app.Run(cmd.Context())
		},
	}
}
