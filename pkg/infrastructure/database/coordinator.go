package database

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/pkg/errors"

	liberr "gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/errors"
)

var ErrInvalidState = errors.New("invalid transaction state")

// Coordinator owns at most one open transaction at a time. Every store
// operation of one business action must go through the same Coordinator.
type Coordinator interface {
	Begin(ctx context.Context) error
	Commit() error
	Rollback() error

	// Client returns the active transaction.
	Client() (ClientContext, error)
	InTransaction() bool
	Dialect() Dialect
}

func NewCoordinator(client TransactionalClient, opts *sql.TxOptions) Coordinator {
	return &coordinator{
		client: client,
		opts:   opts,
	}
}

type coordinator struct {
	client TransactionalClient
	opts   *sql.TxOptions

	mu sync.Mutex
	tx Transaction
}

func (c *coordinator) Begin(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx != nil {
		return errors.Wrap(ErrInvalidState, "transaction has already been started")
	}
	tx, err := c.client.BeginTransaction(ctx, c.opts)
	if err != nil {
		return err
	}
	c.tx = tx
	return nil
}

func (c *coordinator) Commit() error {
	tx, err := c.conclude()
	if err != nil {
		return err
	}
	return errors.WithStack(tx.Commit())
}

func (c *coordinator) Rollback() error {
	tx, err := c.conclude()
	if err != nil {
		return err
	}
	return errors.WithStack(tx.Rollback())
}

func (c *coordinator) Client() (ClientContext, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil, errors.Wrap(ErrInvalidState, "transaction has not been started")
	}
	return c.tx, nil
}

func (c *coordinator) InTransaction() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx != nil
}

func (c *coordinator) Dialect() Dialect {
	return c.client.Dialect()
}

// conclude detaches the transaction; a failed commit or rollback still ends it.
func (c *coordinator) conclude() (Transaction, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return nil, errors.Wrap(ErrInvalidState, "transaction has not been started")
	}
	tx := c.tx
	c.tx = nil
	return tx, nil
}

// Transact begins a transaction on c, runs callback and always concludes it:
// commit when callback returns nil, rollback on error or panic.
func Transact(ctx context.Context, c Coordinator, callback func(client ClientContext) error) (err error) {
	if err = c.Begin(ctx); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = liberr.Join(err, errors.WithStack(fmt.Errorf("panic: %v", r)))
		}
		if err != nil {
			err = liberr.Join(err, c.Rollback())
			return
		}
		err = c.Commit()
	}()

	client, err := c.Client()
	if err != nil {
		return err
	}
	return callback(client)
}
