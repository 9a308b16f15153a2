package database

import (
	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"
)

type Dialect string

const (
	DialectMySQL    Dialect = "mysql"
	DialectPostgres Dialect = "postgres"
)

func ParseDialect(s string) (Dialect, error) {
	switch s {
	case "mysql":
		return DialectMySQL, nil
	case "postgres", "postgresql", "pgx":
		return DialectPostgres, nil
	default:
		return "", errors.Errorf("unsupported database driver %q", s)
	}
}

// DriverName is the database/sql driver registered for the dialect.
func (d Dialect) DriverName() string {
	if d == DialectPostgres {
		return "pgx"
	}
	return "mysql"
}

// Rebind converts '?' placeholders into the dialect's bind style.
func (d Dialect) Rebind(query string) string {
	return sqlx.Rebind(sqlx.BindType(d.DriverName()), query)
}
