package database

import (
	"time"

	"github.com/go-sql-driver/mysql"
	// registers the "pgx" database/sql driver
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

func NewConnector() Connector {
	return &connector{}
}

type Connector interface {
	Open(cfg Config) error
	Close() error

	TransactionalClient() TransactionalClient
}

type Config struct {
	Dialect               Dialect
	DSN                   string
	MaxConnections        int
	ConnectionMaxLifeTime time.Duration
	ConnectionMaxIdleTime time.Duration
}

type connector struct {
	db      *sqlx.DB
	dialect Dialect
}

func (c *connector) Open(cfg Config) error {
	dsn, err := normalizeDSN(cfg.Dialect, cfg.DSN)
	if err != nil {
		return err
	}

	c.db, err = sqlx.Open(cfg.Dialect.DriverName(), dsn)
	if err != nil {
		return errors.WithStack(err)
	}
	c.dialect = cfg.Dialect

	c.db.SetMaxOpenConns(cfg.MaxConnections)
	c.db.SetConnMaxLifetime(cfg.ConnectionMaxLifeTime)
	c.db.SetConnMaxIdleTime(cfg.ConnectionMaxIdleTime)

	pingError := c.db.Ping()
	if pingError != nil {
		err = c.db.Close()
		c.db = nil
		if err != nil {
			return errors.WithStack(err)
		}
		return errors.WithStack(pingError)
	}

	return nil
}

func (c *connector) Close() error {
	if c.db != nil {
		return errors.WithStack(c.db.Close())
	}
	return errors.New("db not initialized")
}

func (c *connector) TransactionalClient() TransactionalClient {
	return NewTransactionalClient(c.db, c.dialect)
}

// normalizeDSN makes MySQL return time.Time values in UTC.
func normalizeDSN(dialect Dialect, dsn string) (string, error) {
	if dialect != DialectMySQL {
		return dsn, nil
	}
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", errors.WithStack(err)
	}
	cfg.ParseTime = true
	cfg.Loc = time.UTC
	return cfg.FormatDSN(), nil
}
