package outbox

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
)

// Repository works inside the transaction its client belongs to.
type Repository interface {
	outbox.Appender

	// FetchPending locks up to limit pending rows, oldest first, skipping rows
	// already locked by another transaction.
	FetchPending(ctx context.Context, limit int) ([]Message, error)
	MarkProcessed(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string, reason string) error
}

func NewRepository(client database.ClientContext, dialect database.Dialect, clock clock.Clock) Repository {
	return &repository{
		client:  client,
		dialect: dialect,
		clock:   clock,
	}
}

type repository struct {
	client  database.ClientContext
	dialect database.Dialect
	clock   clock.Clock
}

func (r *repository) Append(ctx context.Context, event outbox.Event) (string, error) {
	content, err := json.Marshal(event)
	if err != nil {
		return "", errors.WithStack(err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", errors.WithStack(err)
	}

	const sqlQuery = `INSERT INTO outbox_message (id, type, content, occurred_on) VALUES (?, ?, ?, ?)`
	result, err := r.client.ExecContext(ctx, r.dialect.Rebind(sqlQuery), id.String(), event.Type(), string(content), r.clock.Now())
	if err != nil {
		return "", errors.Wrap(ErrPersistence, err.Error())
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return "", errors.Wrap(ErrPersistence, err.Error())
	}
	if affected == 0 {
		return "", errors.Wrapf(ErrPersistence, "no rows inserted for %s", id)
	}
	return id.String(), nil
}

func (r *repository) FetchPending(ctx context.Context, limit int) ([]Message, error) {
	const sqlQuery = `
		SELECT id, type, content, occurred_on, processed_on, error
		FROM outbox_message
		WHERE processed_on IS NULL
		ORDER BY occurred_on, id
		LIMIT ?
		FOR UPDATE SKIP LOCKED
	`
	var messages []Message
	err := r.client.SelectContext(ctx, &messages, r.dialect.Rebind(sqlQuery), limit)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return messages, nil
}

func (r *repository) MarkProcessed(ctx context.Context, id string) error {
	const sqlQuery = `UPDATE outbox_message SET processed_on = ? WHERE id = ? AND processed_on IS NULL`
	_, err := r.client.ExecContext(ctx, r.dialect.Rebind(sqlQuery), r.clock.Now(), id)
	return errors.WithStack(err)
}

func (r *repository) MarkFailed(ctx context.Context, id string, reason string) error {
	const sqlQuery = `UPDATE outbox_message SET processed_on = ?, error = ? WHERE id = ? AND processed_on IS NULL`
	_, err := r.client.ExecContext(ctx, r.dialect.Rebind(sqlQuery), r.clock.Now(), reason, id)
	return errors.WithStack(err)
}
