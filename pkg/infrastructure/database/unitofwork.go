package database

import (
	"context"
	"database/sql"
)

type RepositoryProviderBuilder[RepositoryProvider any] func(client ClientContext, dialect Dialect) RepositoryProvider

type UnitOfWork[RepositoryProvider any] interface {
	ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error
}

func NewUnitOfWork[RepositoryProvider any](
	client TransactionalClient,
	builder RepositoryProviderBuilder[RepositoryProvider],
	opts *sql.TxOptions,
) UnitOfWork[RepositoryProvider] {
	return &unitOfWork[RepositoryProvider]{
		client:  client,
		builder: builder,
		opts:    opts,
	}
}

type unitOfWork[RepositoryProvider any] struct {
	client  TransactionalClient
	builder RepositoryProviderBuilder[RepositoryProvider]
	opts    *sql.TxOptions
}

// ExecuteWithUnitOfWork uses a fresh Coordinator per call, so concurrent
// callers never share a transaction.
func (uow unitOfWork[RepositoryProvider]) ExecuteWithUnitOfWork(ctx context.Context, callback func(provider RepositoryProvider) error) error {
	coordinator := NewCoordinator(uow.client, uow.opts)
	return Transact(ctx, coordinator, func(client ClientContext) error {
		return callback(uow.builder(client, coordinator.Dialect()))
	})
}
