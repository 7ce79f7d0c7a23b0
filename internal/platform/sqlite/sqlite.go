// Package sqlite provides the single-host task store. Several engine
// processes on one machine may share a database file: WAL mode lets readers
// proceed during writes, and every transaction begins IMMEDIATE so claims
// serialize on the write lock.
package sqlite

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/url"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/phrazzld/runqueue/internal/platform/sqlstore"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// DefaultBusyTimeout is how long a connection waits on a locked database
// before reporting SQLITE_BUSY.
const DefaultBusyTimeout = 5 * time.Second

// DSN builds the connection string for a database file.
func DSN(path string, busyTimeout time.Duration) string {
	if busyTimeout <= 0 {
		busyTimeout = DefaultBusyTimeout
	}
	params := url.Values{}
	params.Set("_busy_timeout", fmt.Sprint(busyTimeout.Milliseconds()))
	params.Set("_journal_mode", "WAL")
	params.Set("_txlock", "immediate")
	params.Set("_foreign_keys", "on")
	return "file:" + path + "?" + params.Encode()
}

// Open opens the database file at path, creating it if needed, and applies
// pending migrations.
func Open(ctx context.Context, path string, busyTimeout time.Duration, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", DSN(path, busyTimeout))
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite database %s: %w", path, err)
	}
	if err := Migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies the embedded schema migrations.
func Migrate(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	fsys, err := fs.Sub(embedded, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load embedded migrations: %w", err)
	}
	return store.Migrate(ctx, db, goose.DialectSQLite3, fsys, logger)
}

// NewTaskStore returns a task store over a migrated database.
func NewTaskStore(db *sql.DB, logger *slog.Logger) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, logger)
}

// Dialect implements sqlstore.Dialect for SQLite. Timestamps are stored as
// Unix nanoseconds so they sort and compare numerically.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "sqlite" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return query }

// RowLock implements sqlstore.Dialect. The IMMEDIATE transaction already holds
// the database write lock.
func (Dialect) RowLock() string { return "" }

// ClaimLock implements sqlstore.Dialect.
func (Dialect) ClaimLock() string { return "" }

// EncodeTime implements sqlstore.Dialect.
func (Dialect) EncodeTime(t time.Time) any { return t.UnixNano() }

// DecodeTime implements sqlstore.Dialect.
func (Dialect) DecodeTime(v any) (time.Time, error) {
	switch n := v.(type) {
	case int64:
		return time.Unix(0, n).UTC(), nil
	case time.Time:
		return n.UTC(), nil
	default:
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
}

// MapError implements sqlstore.Dialect.
func (Dialect) MapError(err error) error {
	return MapError(err)
}

// Retryable implements sqlstore.Dialect.
func (Dialect) Retryable(err error) bool {
	var se sqlite3.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
}

// MapError maps a SQLite error to the matching store error.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %v", store.ErrNotFound, err)
	}

	var se sqlite3.Error
	if !errors.As(err, &se) {
		return err
	}
	switch se.ExtendedCode {
	case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintUnique:
		return fmt.Errorf("%w: %v", store.ErrDuplicate, err)
	case sqlite3.ErrConstraintCheck, sqlite3.ErrConstraintNotNull, sqlite3.ErrConstraintForeignKey:
		return fmt.Errorf("%w: %v", store.ErrInvalidEntity, err)
	}
	if se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked {
		return fmt.Errorf("%w: database busy: %v", store.ErrTransactionFailed, err)
	}
	return err
}
