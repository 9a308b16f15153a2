package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"

	liberr "gitea.xscloud.ru/xscloud/outboxrelay/pkg/common/errors"
	"gitea.xscloud.ru/xscloud/outboxrelay/pkg/infrastructure/sharedpool"
)

// Locker runs callbacks while holding a named database lock. Calls sharing a
// context share one pooled session; a name already held by that session is
// re-entered instead of locked again and released by the outermost call.
type Locker interface {
	ExecuteWithLock(ctx context.Context, lockName string, lockTimeout time.Duration, callback func() error) error
}

func NewLocker(pool ConnectionPool, dialect Dialect) Locker {
	return &locker{
		sessions: sharedpool.NewPool[context.Context, *lockSession](
			func(ctx context.Context) (*lockSession, sharedpool.WrappedValueReleaseFunc, error) {
				conn, err := pool.TransactionalConnection(ctx)
				if err != nil {
					return nil, nil, err
				}
				return &lockSession{
					conn:    conn,
					dialect: dialect,
					held:    map[string]*heldLock{},
				}, conn.Close, nil
			},
		),
	}
}

type locker struct {
	sessions *sharedpool.Pool[context.Context, *lockSession]
}

func (l *locker) ExecuteWithLock(ctx context.Context, lockName string, lockTimeout time.Duration, callback func() error) (err error) {
	shared, err := l.sessions.Get(ctx)
	if err != nil {
		return err
	}
	defer func() {
		err = liberr.Join(err, shared.Release())
	}()

	session := shared.Value()
	if err = session.acquire(ctx, lockName, lockTimeout); err != nil {
		return err
	}
	defer func() {
		if r := recover(); r != nil {
			err = liberr.Join(err, errors.WithStack(fmt.Errorf("panic: %v", r)))
		}
		err = liberr.Join(err, session.release(lockName))
	}()

	return callback()
}

type heldLock struct {
	lock  Lock
	depth int
}

type lockSession struct {
	conn    TransactionalConnection
	dialect Dialect

	mu   sync.Mutex
	held map[string]*heldLock
}

func (s *lockSession) acquire(ctx context.Context, lockName string, lockTimeout time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.held[lockName]; ok {
		h.depth++
		return nil
	}
	// Unlock has to reach the server even after ctx is cancelled.
	lock := NewLock(context.WithoutCancel(ctx), s.dialect, lockName, lockTimeout, s.conn)
	if err := lock.Lock(); err != nil {
		return err
	}
	s.held[lockName] = &heldLock{lock: lock, depth: 1}
	return nil
}

func (s *lockSession) release(lockName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.held[lockName]
	if !ok {
		return errors.WithStack(ErrLockNotLocked)
	}
	h.depth--
	if h.depth > 0 {
		return nil
	}
	delete(s.held, lockName)
	return h.lock.Unlock()
}
