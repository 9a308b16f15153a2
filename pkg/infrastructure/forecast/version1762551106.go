package forecast

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/migrator"
)

// Migrations builds the service schema migrations.
func Migrations() []migrator.MigrationBuilder {
	return []migrator.MigrationBuilder{
		newVersion1762551106,
	}
}

func newVersion1762551106(client database.ClientContext, dialect database.Dialect) migrator.Migration {
	return &version1762551106{
		client:  client,
		dialect: dialect,
	}
}

type version1762551106 struct {
	client  database.ClientContext
	dialect database.Dialect
}

func (v version1762551106) Version() int64 {
	return 1762551106
}

func (v version1762551106) Description() string {
	return "Create 'weather_forecast' table"
}

func (v version1762551106) Up(ctx context.Context) error {
	sqlQuery := `
		CREATE TABLE weather_forecast
		(
		    id             CHAR(36)      NOT NULL,
		    forecast_date  DATE          NOT NULL,
		    temperature_c  INT           NOT NULL,
		    summary        VARCHAR(64)   NOT NULL,
		    created_at     DATETIME(6)   NOT NULL,
		    PRIMARY KEY (id)
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`
	if v.dialect == database.DialectPostgres {
		sqlQuery = `
			CREATE TABLE weather_forecast
			(
			    id             UUID          NOT NULL PRIMARY KEY,
			    forecast_date  DATE          NOT NULL,
			    temperature_c  INT           NOT NULL,
			    summary        VARCHAR(64)   NOT NULL,
			    created_at     TIMESTAMPTZ   NOT NULL
			)
		`
	}
	_, err := v.client.ExecContext(ctx, sqlQuery)
	return errors.WithStack(err)
}
