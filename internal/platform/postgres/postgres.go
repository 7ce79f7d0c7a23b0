package postgres

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // pgx driver
	"github.com/phrazzld/runqueue/internal/platform/sqlstore"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var embedded embed.FS

// PoolConfig sizes the connection pool.
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// DefaultPoolConfig returns reasonable pool defaults for one engine process.
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    20,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
	}
}

// Open connects to the database at url, verifies the connection and applies
// pending migrations.
func Open(ctx context.Context, url string, pool PoolConfig, logger *slog.Logger) (*sql.DB, error) {
	db, err := sql.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	db.SetMaxOpenConns(pool.MaxOpenConns)
	db.SetMaxIdleConns(pool.MaxIdleConns)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
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
	return store.Migrate(ctx, db, goose.DialectPostgres, fsys, logger)
}

// NewTaskStore returns a task store over a migrated database.
func NewTaskStore(db *sql.DB, logger *slog.Logger) *sqlstore.Store {
	return sqlstore.New(db, Dialect{}, logger)
}

// Dialect implements sqlstore.Dialect for PostgreSQL.
type Dialect struct{}

// Name implements sqlstore.Dialect.
func (Dialect) Name() string { return "postgres" }

// Rebind implements sqlstore.Dialect.
func (Dialect) Rebind(query string) string { return sqlstore.RebindDollar(query) }

// RowLock implements sqlstore.Dialect.
func (Dialect) RowLock() string { return " FOR UPDATE" }

// ClaimLock implements sqlstore.Dialect. Rows another worker is inspecting
// are skipped rather than waited on.
func (Dialect) ClaimLock() string { return " FOR UPDATE SKIP LOCKED" }

// EncodeTime implements sqlstore.Dialect.
func (Dialect) EncodeTime(t time.Time) any { return t.UTC() }

// DecodeTime implements sqlstore.Dialect.
func (Dialect) DecodeTime(v any) (time.Time, error) {
	t, ok := v.(time.Time)
	if !ok {
		return time.Time{}, fmt.Errorf("unexpected timestamp type %T", v)
	}
	return t.UTC(), nil
}

// MapError implements sqlstore.Dialect.
func (Dialect) MapError(err error) error { return MapError(err) }

// Retryable implements sqlstore.Dialect.
func (Dialect) Retryable(err error) bool { return IsRetryable(err) }
