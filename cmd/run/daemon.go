package run

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/Mmx233/frag6d/config"
	"github.com/Mmx233/frag6d/server"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func runDaemon(cmd *cobra.Command, args []string) error {
	logger := log.With().Str("com", "daemon-cmd").Logger()

	// Load configuration
	logger.Info().Str("config", configFile).Msg("loading configuration")
	cfg, err := config.LoadDaemonConfig(configFile)
	if err != nil {
		return err
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	// Start daemon in goroutine
	errCh := make(chan error, 1)
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		logger.Info().Msg("starting frag6d daemon")
		if err := server.Start(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
			errCh <- err
		}
	}()

	// Wait for signal or error
	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
		// Let the daemon drain the table before exiting.
		<-doneCh
	case err := <-errCh:
		logger.Error().Err(err).Msg("daemon error")
		return err
	}

	logger.Info().Msg("daemon stopped")
	return nil
}
