package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

const (
	sqlEntitiesTableName = "orbital_entities"
	sqlRunsTableName     = "orbital_sync_runs"
	sqlOperationTimeout  = 5 * time.Second
)

type sqlOpenFunc func(driverName, dsn string) (*sql.DB, error)

// sqlDialect captures what differs between the SQL engines sharing sqlStateBackend.
type sqlDialect struct {
	driverName  string
	placeholder func(n int) string
	timeType    string
	// setup runs once on a fresh connection pool, before table creation.
	setup       func(ctx context.Context, db *sql.DB) error
}

// sqlStateBackend stores one row per entity and one row per sealed run.
type sqlStateBackend struct {
	dsn       string
	dialect   sqlDialect
	openDB    sqlOpenFunc
	entities  string
	runs      string
	opTimeout time.Duration

	initOnce sync.Once
	initErr  error
	db       *sql.DB
}

func newSQLStateBackend(dsn string, dialect sqlDialect) *sqlStateBackend {
	return &sqlStateBackend{
		dsn:       dsn,
		dialect:   dialect,
		openDB:    sql.Open,
		entities:  sqlEntitiesTableName,
		runs:      sqlRunsTableName,
		opTimeout: sqlOperationTimeout,
	}
}

func (b *sqlStateBackend) Load() (*PersistedState, error) {
	if b == nil {
		return nil, nil
	}
	if err := b.ensureReady(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()

	state := NewPersistedState()
	rows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT kind, body FROM %s", sqlQuoteIdentifier(b.entities)))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var kind, body string
		if err := rows.Scan(&kind, &body); err != nil {
			return nil, err
		}
		entity, err := decodeEntity(EntityKind(kind), []byte(body), json.Unmarshal)
		if err != nil {
			return nil, fmt.Errorf("decode %s row: %w", kind, err)
		}
		if err := state.Put(entity); err != nil {
			return nil, err
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	runRows, err := b.db.QueryContext(ctx, fmt.Sprintf("SELECT body FROM %s ORDER BY started_at", sqlQuoteIdentifier(b.runs)))
	if err != nil {
		return nil, err
	}
	defer runRows.Close()
	for runRows.Next() {
		var body string
		if err := runRows.Scan(&body); err != nil {
			return nil, err
		}
		var run SyncRun
		if err := json.Unmarshal([]byte(body), &run); err != nil {
			return nil, fmt.Errorf("decode sync run row: %w", err)
		}
		state.Runs = append(state.Runs, run)
	}
	return state, runRows.Err()
}

func (b *sqlStateBackend) PutEntity(e Entity) error {
	if b == nil || e == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	meta := e.Metadata()

	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()

	p := b.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (kind, id, payload_hash, body, synced_at)
		VALUES (%s, %s, %s, %s, %s)
		ON CONFLICT (kind, id)
		DO UPDATE SET payload_hash = EXCLUDED.payload_hash, body = EXCLUDED.body, synced_at = EXCLUDED.synced_at`,
		sqlQuoteIdentifier(b.entities), p(1), p(2), p(3), p(4), p(5))
	_, err = b.db.ExecContext(ctx, query, string(e.Kind()), meta.ID, meta.PayloadHash, string(body), meta.LastSyncedAt.UTC())
	return err
}

func (b *sqlStateBackend) PutRun(run SyncRun) error {
	if b == nil {
		return nil
	}
	if err := b.ensureReady(); err != nil {
		return err
	}
	body, err := json.Marshal(run)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
	defer cancel()

	p := b.dialect.placeholder
	query := fmt.Sprintf(`
		INSERT INTO %s (id, started_at, status, body)
		VALUES (%s, %s, %s, %s)
		ON CONFLICT (id)
		DO UPDATE SET status = EXCLUDED.status, body = EXCLUDED.body`,
		sqlQuoteIdentifier(b.runs), p(1), p(2), p(3), p(4))
	_, err = b.db.ExecContext(ctx, query, run.ID, run.StartedAt.UTC(), string(run.Status), string(body))
	return err
}

func (b *sqlStateBackend) Close() error {
	if b == nil || b.db == nil {
		return nil
	}
	return b.db.Close()
}

func (b *sqlStateBackend) ensureReady() error {
	if b == nil {
		return ErrInvalidInput
	}
	b.initOnce.Do(func() {
		db, err := b.openDB(b.dialect.driverName, b.dsn)
		if err != nil {
			b.initErr = err
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), b.opTimeout)
		defer cancel()

		if b.dialect.setup != nil {
			if err := b.dialect.setup(ctx, db); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		statements := []string{
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					kind TEXT NOT NULL,
					id TEXT NOT NULL,
					payload_hash TEXT NOT NULL,
					body TEXT NOT NULL,
					synced_at %s NOT NULL,
					PRIMARY KEY (kind, id)
				)`, sqlQuoteIdentifier(b.entities), b.dialect.timeType),
			fmt.Sprintf(`
				CREATE TABLE IF NOT EXISTS %s (
					id TEXT PRIMARY KEY,
					started_at %s NOT NULL,
					status TEXT NOT NULL,
					body TEXT NOT NULL
				)`, sqlQuoteIdentifier(b.runs), b.dialect.timeType),
		}
		for _, stmt := range statements {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				b.initErr = err
				return
			}
		}
		b.db = db
	})
	return b.initErr
}

func sqlQuoteIdentifier(identifier string) string {
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return "\"\""
	}
	return `"` + strings.ReplaceAll(identifier, `"`, `""`) + `"`
}
