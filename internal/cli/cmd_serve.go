package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/conveyorci/conveyor/internal/api"
	"github.com/conveyorci/conveyor/internal/events"
	"github.com/conveyorci/conveyor/internal/store"
)

// newServeCmd creates the serve command
func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run history API",
		Long: `Serve the conveyor API without executing a pipeline.

Exposes run history and the event stream. Approvals are only pending in
the process that runs the pipeline; use "conveyor run --serve" to make
them resolvable remotely.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger()

			archive, err := store.Open(cmd.Context(), cfg.Database)
			if err != nil {
				return fmt.Errorf("open run archive: %w", err)
			}
			defer func() { _ = archive.Close() }()

			publisher := events.NewMemoryPublisher()
			defer publisher.Close()

			addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
			if override, _ := cmd.Flags().GetString("addr"); override != "" {
				addr = override
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			server := api.New(api.Config{Addr: addr, Logger: logger}, nil, archive, publisher)
			return server.Start(ctx)
		},
	}
	cmd.Flags().String("addr", "", "listen address (default from config)")
	return cmd
}
