package outboxmigrations

import (
	"context"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/io"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	libmigrator "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/migrator"
)

const tablePrefix = "outbox"

// NewOutboxMigrator holds one pooled session until release is called. Extra
// builders let the service schema share the outbox migration history.
func NewOutboxMigrator(
	ctx context.Context,
	pool database.ConnectionPool,
	dialect database.Dialect,
	logger logging.Logger,
	extra ...libmigrator.MigrationBuilder,
) (migrator libmigrator.Migrator, release io.CloserFunc, err error) {
	conn, err := pool.TransactionalConnection(ctx)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if err != nil {
			err = errors.Join(err, conn.Close())
		}
	}()

	l := logger.WithField("migrator", tablePrefix)
	factory := libmigrator.NewMigratorFactory(tablePrefix, conn, dialect, database.NewLocker(pool, dialect), l)

	builders := append(append([]libmigrator.MigrationBuilder{}, builderFunctions...), extra...)
	migrations := make([]libmigrator.Migration, 0, len(builders))
	for _, builder := range builders {
		migrations = append(migrations, builder(conn, dialect))
	}

	migrator, err = factory.NewMigrator(ctx, migrations...)
	if err != nil {
		return nil, nil, err
	}
	return migrator, conn.Close, nil
}

var builderFunctions = []libmigrator.MigrationBuilder{
	newVersion1762198457,
}
