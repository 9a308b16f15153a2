package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	var cfgFile string

	root := &cobra.Command{
		Use:           "outboxrelay",
		Short:         "Relays transactional outbox messages to RabbitMQ and consumes them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default ./config.yaml)")

	root.AddCommand(
		newMigrateCommand(&cfgFile),
		newProducerCommand(&cfgFile),
		newConsumerCommand(&cfgFile),
	)
	return root
}

// runWithApp builds the shared infrastructure and stops it once run returns
// or the process receives SIGINT/SIGTERM.
func runWithApp(cfgFile string, run func(ctx context.Context, a *app) error) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(cfgFile)
	if err != nil {
		return err
	}
	err = run(ctx, a)
	if err != nil {
		a.logger.Error(err, "command failed")
	}
	if closeErr := a.Close(); closeErr != nil {
		a.logger.Error(closeErr, "failed to release resources")
	}
	return err
}
