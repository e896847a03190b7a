package catalog

import (
	"strconv"
	"strings"

	_ "github.com/lib/pq"
)

var postgresDialect = sqlDialect{
	driverName:  "postgres",
	placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
	timeType:    "TIMESTAMPTZ",
}

type PostgresStateBackend struct {
	*sqlStateBackend
}

func NewPostgresStateBackend(dsn string) (StateBackend, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	return &PostgresStateBackend{sqlStateBackend: newSQLStateBackend(dsn, postgresDialect)}, nil
}
