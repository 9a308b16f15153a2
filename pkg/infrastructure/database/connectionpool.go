package database

import (
	"context"

	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/sharedpool"
)

// ConnectionPool hands out one shared session per context, so that session
// scoped state (named locks) is visible to every caller using that context.
type ConnectionPool interface {
	TransactionalConnection(ctx context.Context) (TransactionalConnection, error)
}

func NewConnectionPool(client TransactionalClient) ConnectionPool {
	return &connectionPool{
		pool: sharedpool.NewPool[context.Context, TransactionalConnection](
			func(ctx context.Context) (TransactionalConnection, sharedpool.WrappedValueReleaseFunc, error) {
				conn, err := client.Connection(ctx)
				if err != nil {
					return nil, nil, err
				}
				return conn, conn.Close, nil
			},
		),
	}
}

type connectionPool struct {
	pool *sharedpool.Pool[context.Context, TransactionalConnection]
}

func (p *connectionPool) TransactionalConnection(ctx context.Context) (TransactionalConnection, error) {
	sharedConnection, err := p.pool.Get(ctx)
	if err != nil {
		return nil, err
	}

	return &wrappedTransactionalConnection{
		TransactionalConnection: sharedConnection.Value(),
		releaseFunc:             sharedConnection.Release,
	}, nil
}

type wrappedTransactionalConnection struct {
	TransactionalConnection
	releaseFunc func() error
}

func (conn *wrappedTransactionalConnection) Close() error {
	return conn.releaseFunc()
}
