package database

import (
	"context"
	"database/sql"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrLockTimeout   = errors.New("lock timed out")
	ErrLockNotLocked = errors.New("lock not locked")
	ErrLockNotFound  = errors.New("lock not found")
)

type Lock interface {
	Lock() error
	Unlock() error
}

// NewLock creates a session scoped named lock. client must stay on one
// session between Lock and Unlock.
func NewLock(ctx context.Context, dialect Dialect, lockName string, timeout time.Duration, client ClientContext) Lock {
	if dialect == DialectPostgres {
		return &advisoryLock{
			ctx:      ctx,
			lockName: lockName,
			timeout:  timeout,
			client:   client,
		}
	}
	return &mysqlLock{
		ctx:      ctx,
		lockName: lockName,
		timeout:  timeout,
		client:   client,
	}
}

type mysqlLock struct {
	ctx      context.Context
	lockName string
	timeout  time.Duration
	client   ClientContext
}

func (l mysqlLock) Lock() error {
	const sqlQuery = "SELECT GET_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64), ?)"
	var result sql.NullInt32
	err := l.client.GetContext(l.ctx, &result, sqlQuery, l.lockName, int(l.timeout.Seconds()))
	if err != nil {
		return errors.WithStack(err)
	}
	if !result.Valid || result.Int32 == 0 {
		return errors.WithStack(ErrLockTimeout)
	}
	return nil
}

func (l mysqlLock) Unlock() error {
	const sqlQuery = "SELECT RELEASE_LOCK(SUBSTRING(CONCAT(?, '.', DATABASE()), 1, 64))"
	var result sql.NullInt32
	err := l.client.GetContext(l.ctx, &result, sqlQuery, l.lockName)
	if err != nil {
		return errors.WithStack(err)
	}
	if !result.Valid {
		return errors.WithStack(ErrLockNotFound)
	}
	if result.Int32 == 0 {
		return errors.WithStack(ErrLockNotLocked)
	}
	return nil
}

const advisoryLockRetryInterval = 100 * time.Millisecond

type advisoryLock struct {
	ctx      context.Context
	lockName string
	timeout  time.Duration
	client   ClientContext
}

func (l advisoryLock) Lock() error {
	const sqlQuery = "SELECT pg_try_advisory_lock(hashtext(current_database() || '.' || $1))"
	deadline := time.Now().Add(l.timeout)
	for {
		var locked bool
		err := l.client.GetContext(l.ctx, &locked, sqlQuery, l.lockName)
		if err != nil {
			return errors.WithStack(err)
		}
		if locked {
			return nil
		}
		if time.Now().After(deadline) {
			return errors.WithStack(ErrLockTimeout)
		}
		select {
		case <-l.ctx.Done():
			return errors.WithStack(l.ctx.Err())
		case <-time.After(advisoryLockRetryInterval):
		}
	}
}

func (l advisoryLock) Unlock() error {
	const sqlQuery = "SELECT pg_advisory_unlock(hashtext(current_database() || '.' || $1))"
	var unlocked bool
	err := l.client.GetContext(l.ctx, &unlocked, sqlQuery, l.lockName)
	if err != nil {
		return errors.WithStack(err)
	}
	if !unlocked {
		return errors.WithStack(ErrLockNotLocked)
	}
	return nil
}
