package main

import (
	"context"

	"github.com/spf13/cobra"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	forecastinfra "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/forecast"
	outboxmigrations "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/outbox/migrations"
)

func newMigrateCommand(cfgFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the outbox and forecast tables",
		RunE: func(*cobra.Command, []string) error {
			return runWithApp(*cfgFile, migrate)
		},
	}
}

func migrate(ctx context.Context, a *app) (err error) {
	client, err := a.openDatabase()
	if err != nil {
		return err
	}

	migrator, release, err := outboxmigrations.NewOutboxMigrator(
		ctx,
		database.NewConnectionPool(client),
		client.Dialect(),
		a.logger,
		forecastinfra.Migrations()...,
	)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := release(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	err = migrator.Migrate()
	if err == nil {
		a.logger.Info("migrations applied")
	}
	return err
}
