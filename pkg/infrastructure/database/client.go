package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type ClientContext interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)

	SelectContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
	GetContext(ctx context.Context, dest interface{}, query string, args ...interface{}) error
}

type Transaction interface {
	ClientContext
	Commit() error
	Rollback() error
}

type TransactionalConnection interface {
	ClientContext
	BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error)
	Close() error
}

type TransactionalClient interface {
	ClientContext
	Dialect() Dialect
	BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error)
	Connection(ctx context.Context) (TransactionalConnection, error)
}

// NewTransactionalClient wraps an opened sqlx handle.
func NewTransactionalClient(db *sqlx.DB, dialect Dialect) TransactionalClient {
	return &transactionalClient{DB: db, dialect: dialect}
}

type transactionalClient struct {
	*sqlx.DB
	dialect Dialect
}

func (client *transactionalClient) Dialect() Dialect {
	return client.dialect
}

func (client *transactionalClient) BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	tx, err := client.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tx, nil
}

func (client *transactionalClient) Connection(ctx context.Context) (TransactionalConnection, error) {
	connx, err := client.Connx(ctx)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &transactionalConnection{Conn: connx}, nil
}

type transactionalConnection struct {
	*sqlx.Conn
}

func (conn *transactionalConnection) BeginTransaction(ctx context.Context, opts *sql.TxOptions) (Transaction, error) {
	tx, err := conn.BeginTxx(ctx, opts)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return tx, nil
}
