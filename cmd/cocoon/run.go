package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/worker"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the worker",
	Long: `Start the worker and keep it connected to the signaling service.

The device secret is read from COCOON_SECRET, or from <data-dir>/.secret,
and generated on first start. The worker reconnects with backoff until it
receives SIGINT or SIGTERM, then closes its sessions and deregisters.

Examples:
  # Connect to a local development coordinator
  cocoon run --server ws://localhost:8080/ws --data-dir ./cocoon-data

  # Expose two local services to the proxy
  COCOON_SERVICES=web:3000,db:10.0.0.5:5432 cocoon run`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.ParseLevel(cfg.Log.Level),
			JSONOutput: cfg.Log.JSON,
			Output:     os.Stderr,
		})

		w, err := worker.New(cfg, Version)
		if err != nil {
			return fmt.Errorf("failed to create worker: %w", err)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := log.WithComponent("main")
		logger.Info().
			Str("version", Version).
			Str("server", cfg.SignalingURL).
			Str("data_dir", cfg.DataDir).
			Msg("Starting cocoon worker")

		return w.Run(ctx)
	},
}

func init() {
	runCmd.Flags().String("server", "", "Signaling server websocket URL")
	runCmd.Flags().String("data-dir", "", "Directory for the secret, device id and query store")
	runCmd.Flags().String("health-addr", "", "Address for the health and metrics endpoints (disabled when empty)")
	runCmd.Flags().String("name", "", "Device name sent at registration")
}
