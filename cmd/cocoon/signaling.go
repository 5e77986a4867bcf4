package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cuemby/cocoon/pkg/log"
	"github.com/cuemby/cocoon/pkg/signaling"
	"github.com/spf13/cobra"
)

// EnvSignalingSalt supplies the device id salt when --salt is not given
const EnvSignalingSalt = "COCOON_SIGNALING_SALT"

// Signaling commands
var signalingCmd = &cobra.Command{
	Use:   "signaling",
	Short: "Development signaling coordinator",
}

var signalingServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run a development signaling coordinator",
	Long: `Run a minimal signaling coordinator for local development and testing.

It verifies device identities, tracks connected workers and relays frames
injected over HTTP:

  curl localhost:8080/api/devices
  curl -X POST localhost:8080/api/devices/<id>/frames \
       -d '{"type":"execute","request_id":"r1","command":"uname -a"}'

Device ids are derived from the salt; keep it stable across restarts or
every worker will be rejected on reconnect.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr, _ := cmd.Flags().GetString("addr")
		salt, _ := cmd.Flags().GetString("salt")
		tokens, _ := cmd.Flags().GetStringToString("setup-token")

		if salt == "" {
			salt = os.Getenv(EnvSignalingSalt)
		}
		if salt == "" {
			return fmt.Errorf("--salt or %s is required", EnvSignalingSalt)
		}

		var setupTokens map[string]string
		if len(tokens) > 0 {
			setupTokens = tokens
		}
		srv := signaling.NewServer(signaling.Config{
			Salt:        []byte(salt),
			SetupTokens: setupTokens,
		})

		httpServer := &http.Server{
			Addr:              addr,
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		logger := log.WithComponent("signaling")
		logger.Info().Str("addr", addr).Msg("Signaling coordinator listening")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			logger.Info().Msg("Shutting down")
		case err := <-errCh:
			return fmt.Errorf("signaling server error: %w", err)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Close()
		return httpServer.Shutdown(ctx)
	},
}

func init() {
	signalingCmd.AddCommand(signalingServeCmd)

	signalingServeCmd.Flags().String("addr", ":8080", "Listen address")
	signalingServeCmd.Flags().String("salt", "", "Secret salt for device id derivation")
	signalingServeCmd.Flags().StringToString("setup-token", nil, "Accepted setup tokens as token=owner_id (repeatable)")
}
