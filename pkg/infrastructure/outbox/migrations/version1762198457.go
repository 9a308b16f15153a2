package outboxmigrations

import (
	"context"

	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/migrator"
)

func newVersion1762198457(client database.ClientContext, dialect database.Dialect) migrator.Migration {
	return &version1762198457{
		client:  client,
		dialect: dialect,
	}
}

type version1762198457 struct {
	client  database.ClientContext
	dialect database.Dialect
}

func (v version1762198457) Version() int64 {
	return 1762198457
}

func (v version1762198457) Description() string {
	return "Create 'outbox_message' table"
}

func (v version1762198457) Up(ctx context.Context) error {
	statements := mysqlStatements
	if v.dialect == database.DialectPostgres {
		statements = postgresStatements
	}
	for _, statement := range statements {
		if _, err := v.client.ExecContext(ctx, statement); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

var mysqlStatements = []string{
	`
		CREATE TABLE outbox_message
		(
		    id             CHAR(36)      NOT NULL,
		    type           VARCHAR(255)  NOT NULL,
		    content        JSON          NOT NULL,
		    occurred_on    DATETIME(6)   NOT NULL,
		    processed_on   DATETIME(6)   NULL,
		    error          TEXT          NULL,
		    PRIMARY KEY (id),
		    CONSTRAINT outbox_message_content_is_json CHECK (JSON_VALID(content))
		)
		    ENGINE = InnoDB
		    CHARACTER SET = utf8mb4
		    COLLATE utf8mb4_unicode_ci
	`,
	// MySQL has no partial indexes.
	`CREATE INDEX idx_outbox_message_pending ON outbox_message (occurred_on, processed_on)`,
}

var postgresStatements = []string{
	`
		CREATE TABLE outbox_message
		(
		    id             UUID          NOT NULL PRIMARY KEY,
		    type           VARCHAR(255)  NOT NULL,
		    content        JSONB         NOT NULL,
		    occurred_on    TIMESTAMPTZ   NOT NULL,
		    processed_on   TIMESTAMPTZ   NULL,
		    error          TEXT          NULL
		)
	`,
	`
		CREATE INDEX idx_outbox_message_pending
		    ON outbox_message (occurred_on, processed_on)
		    WHERE processed_on IS NULL
	`,
}
