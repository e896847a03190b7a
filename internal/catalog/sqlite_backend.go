package catalog

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

var sqliteDialect = sqlDialect{
	driverName:  "sqlite",
	placeholder: func(int) string { return "?" },
	timeType:    "TIMESTAMP",
	setup: func(ctx context.Context, db *sql.DB) error {
		// One writer at a time; WAL lets readers proceed alongside it.
		db.SetMaxOpenConns(1)
		for _, pragma := range []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout=5000",
		} {
			if _, err := db.ExecContext(ctx, pragma); err != nil {
				return err
			}
		}
		return nil
	},
}

type SQLiteStateBackend struct {
	*sqlStateBackend
}

func NewSQLiteStateBackend(path string) (StateBackend, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, ErrInvalidInput
	}
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, err
			}
		}
	}
	return &SQLiteStateBackend{sqlStateBackend: newSQLStateBackend(path, sqliteDialect)}, nil
}
