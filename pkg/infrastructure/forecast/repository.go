package forecast

import (
	"context"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/forecast"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/clock"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/database"
	infraoutbox "gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/outbox"
)

func NewRepository(client database.ClientContext, dialect database.Dialect, clock clock.Clock) forecast.Repository {
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

func (r *repository) Store(ctx context.Context, batch forecast.Batch) error {
	if len(batch) == 0 {
		return nil
	}

	createdAt := r.clock.Now()
	placeholders := make([]string, 0, len(batch))
	args := make([]interface{}, 0, len(batch)*5)
	for _, f := range batch {
		day, err := f.Day()
		if err != nil {
			return err
		}
		id, err := uuid.NewV7()
		if err != nil {
			return errors.WithStack(err)
		}
		placeholders = append(placeholders, "(?, ?, ?, ?, ?)")
		args = append(args, id.String(), day, f.TemperatureC, f.Summary, createdAt)
	}

	sqlQuery := `INSERT INTO weather_forecast (id, forecast_date, temperature_c, summary, created_at) VALUES ` +
		strings.Join(placeholders, ", ")
	result, err := r.client.ExecContext(ctx, r.dialect.Rebind(sqlQuery), args...)
	if err != nil {
		return errors.WithStack(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.WithStack(err)
	}
	if affected != int64(len(batch)) {
		return errors.Errorf("stored %d of %d forecasts", affected, len(batch))
	}
	return nil
}

func NewUnitOfWork(client database.TransactionalClient, clock clock.Clock) forecast.UnitOfWork {
	return database.NewUnitOfWork[forecast.RepositoryProvider](
		client,
		func(client database.ClientContext, dialect database.Dialect) forecast.RepositoryProvider {
			return &repositoryProvider{
				forecasts: NewRepository(client, dialect, clock),
				outbox:    infraoutbox.NewRepository(client, dialect, clock),
			}
		},
		nil,
	)
}

type repositoryProvider struct {
	forecasts forecast.Repository
	outbox    outbox.Appender
}

func (p *repositoryProvider) ForecastRepository() forecast.Repository {
	return p.forecasts
}

func (p *repositoryProvider) Outbox() outbox.Appender {
	return p.outbox
}
