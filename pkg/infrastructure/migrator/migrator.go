package migrator

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
)

const migrationLockTimeout = 5 * time.Second

var (
	ErrOutOfOrder       = errors.New("migration is older than the last applied version")
	ErrDuplicateVersion = errors.New("migration version is registered twice")
)

type Migration interface {
	Version() int64
	Description() string
	Up(ctx context.Context) error
}

// MigrationBuilder binds a migration to the session it runs on.
type MigrationBuilder func(client database.ClientContext, dialect database.Dialect) Migration

// Migrator applies pending migrations in version order while holding the
// migration lock of its table prefix.
type Migrator interface {
	Migrate() error
}

func NewMigrator(
	ctx context.Context,
	storage *storage,
	locker database.Locker,
	logger logging.Logger,
	migrations []Migration,
) Migrator {
	sorted := slices.Clone(migrations)
	slices.SortFunc(sorted, func(l, r Migration) int {
		return cmp.Compare(l.Version(), r.Version())
	})
	return &migrator{
		ctx:        ctx,
		storage:    storage,
		locker:     locker,
		logger:     logger,
		migrations: sorted,
	}
}

type migrator struct {
	ctx        context.Context
	storage    *storage
	locker     database.Locker
	logger     logging.Logger
	migrations []Migration
}

// Migrate holds the lock named after the history table, so instances
// sharing a database apply each migration once.
func (m *migrator) Migrate() error {
	return m.locker.ExecuteWithLock(m.ctx, m.storage.tableName(), migrationLockTimeout, m.migrate)
}

func (m *migrator) migrate() error {
	if err := m.storage.Init(m.ctx); err != nil {
		return err
	}
	lastVersion, err := m.storage.LastVersion(m.ctx)
	if err != nil {
		return err
	}

	var count int
	for _, migration := range m.migrations {
		applied, err := m.apply(migration, lastVersion)
		if err != nil {
			return err
		}
		if applied {
			count++
		}
	}
	m.logger.WithField("applied", count).Info("schema is up to date")
	return nil
}

func (m *migrator) apply(migration Migration, lastVersion int64) (bool, error) {
	logger := m.logger.WithFields(logging.Fields{
		"version":     migration.Version(),
		"description": migration.Description(),
	})

	done, err := m.storage.Applied(m.ctx, migration.Version())
	if err != nil {
		return false, err
	}
	if done {
		logger.Debug("migration already applied")
		return false, nil
	}
	if migration.Version() < lastVersion {
		return false, errors.Wrapf(ErrOutOfOrder, "version %d, last applied %d", migration.Version(), lastVersion)
	}

	if err = migration.Up(m.ctx); err != nil {
		return false, err
	}
	if err = m.storage.Store(m.ctx, migration); err != nil {
		return false, err
	}
	logger.Info("migration applied")
	return true, nil
}

func checkVersions(migrations []Migration) error {
	seen := make(map[int64]struct{}, len(migrations))
	for _, migration := range migrations {
		if _, ok := seen[migration.Version()]; ok {
			return errors.Wrapf(ErrDuplicateVersion, "version %d", migration.Version())
		}
		seen[migration.Version()] = struct{}{}
	}
	return nil
}
