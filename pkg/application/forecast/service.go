package forecast

import (
	"context"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/logging"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/application/outbox"
)

const forecastDays = 5

type Repository interface {
	Store(ctx context.Context, batch Batch) error
}

type RepositoryProvider interface {
	ForecastRepository() Repository
	Outbox() outbox.Appender
}

type UnitOfWork interface {
	ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error
}

type Service interface {
	// GenerateForecasts stores a new batch and records it in the outbox in
	// the same transaction.
	GenerateForecasts(ctx context.Context) (Batch, error)
}

func NewService(uow UnitOfWork, generator Generator) Service {
	return &service{
		uow:       uow,
		generator: generator,
	}
}

type service struct {
	uow       UnitOfWork
	generator Generator
}

func (s *service) GenerateForecasts(ctx context.Context) (Batch, error) {
	batch := s.generator.Generate(forecastDays)
	err := s.uow.ExecuteWithUnitOfWork(ctx, func(provider RepositoryProvider) error {
		if err := provider.ForecastRepository().Store(ctx, batch); err != nil {
			return err
		}
		_, err := provider.Outbox().Append(ctx, batch)
		return err
	})
	if err != nil {
		return nil, err
	}
	return batch, nil
}

// NewBatchHandler handles batches received from the broker.
func NewBatchHandler(logger logging.Logger) func(ctx context.Context, event outbox.Event) error {
	return func(ctx context.Context, event outbox.Event) error {
		batch, ok := event.(Batch)
		if !ok {
			return outbox.ErrUnknownType
		}
		for _, f := range batch {
			if err := ctx.Err(); err != nil {
				return err
			}
			logger.WithFields(logging.Fields{
				"date":          f.Date,
				"temperature_c": f.TemperatureC,
				"summary":       f.Summary,
			}).Debug("forecast received")
		}
		logger.WithField("count", len(batch)).Info("forecast batch handled")
		return nil
	}
}
