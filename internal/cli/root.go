// Package cli implements the fern command line.
package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/Gobusters/ectologger"
	"github.com/spf13/cobra"

	"github.com/Ramsey-B/fern/config"
	"github.com/Ramsey-B/fern/pkg/logging"
)

var rootCmd = &cobra.Command{
	Use:   "fern",
	Short: "Sync integration data into the accounting ledger",
	Long: `fern pulls records from connected systems, maps and classifies them with
the tenant's accounting rules, and stores them as transactions.

Configuration is read from the environment and an optional .env file.`,
	SilenceUsage: true,
}

// Execute runs the command line.
func Execute() error {
	return rootCmd.Execute()
}

// bootstrap loads the config and logger every command starts from.
func bootstrap() (*config.Config, ectologger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.PrettyLogs)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

// run starts a and blocks until a signal arrives, then stops everything.
func run(ctx context.Context, a *app) error {
	ctx, cancel := signalContext(ctx)
	defer cancel()

	if err := a.start(ctx); err != nil {
		a.stop()
		return err
	}
	a.checker.SetReady(true)
	a.logger.WithContext(ctx).Info("Startup complete")

	<-ctx.Done()
	a.logger.Info("Shutting down")
	a.checker.SetReady(false)
	a.stop()
	return nil
}
