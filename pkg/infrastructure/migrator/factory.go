package migrator

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
)

type Factory interface {
	NewMigrator(ctx context.Context, migrations ...Migration) (Migrator, error)
}

// NewMigratorFactory runs migrations on client while locker guards them.
// Passing the pooled session of the migration context as client keeps the
// lock and the schema changes on one connection.
func NewMigratorFactory(
	tablePrefix string,
	client database.ClientContext,
	dialect database.Dialect,
	locker database.Locker,
	logger logging.Logger,
) Factory {
	return &migratorFactory{
		tablePrefix: tablePrefix,
		client:      client,
		dialect:     dialect,
		locker:      locker,
		logger:      logger,
	}
}

type migratorFactory struct {
	tablePrefix string
	client      database.ClientContext
	dialect     database.Dialect
	locker      database.Locker
	logger      logging.Logger
}

func (factory migratorFactory) NewMigrator(ctx context.Context, migrations ...Migration) (Migrator, error) {
	if len(migrations) == 0 {
		return nil, errors.New("migrations must not be empty")
	}
	if err := checkVersions(migrations); err != nil {
		return nil, err
	}
	migrator := NewMigrator(
		ctx,
		newStorage(factory.tablePrefix, factory.client, factory.dialect),
		factory.locker,
		factory.logger,
		migrations,
	)
	return migrator, nil
}
