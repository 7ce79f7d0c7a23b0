package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/runqueue/internal/config"
	"github.com/phrazzld/runqueue/internal/platform/memory"
	"github.com/phrazzld/runqueue/internal/platform/postgres"
	"github.com/phrazzld/runqueue/internal/platform/sqlite"
	"github.com/phrazzld/runqueue/internal/task"
)

// taskStore is the opened backend plus the connection pool to close on
// shutdown, if any.
type taskStore struct {
	task.Store
	db *sql.DB
}

// Close releases the connection pool.
func (s *taskStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// openStore opens and migrates the configured backend.
func openStore(ctx context.Context, cfg config.DatabaseConfig, logger *slog.Logger) (*taskStore, error) {
	switch cfg.Driver {
	case "memory":
		logger.Warn("using in-memory task store, tasks do not survive restarts")
		return &taskStore{Store: memory.NewStore()}, nil

	case "sqlite":
		busy := time.Duration(cfg.BusyTimeoutMS) * time.Millisecond
		db, err := sqlite.Open(ctx, cfg.Path, busy, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite task store: %w", err)
		}
		return &taskStore{Store: sqlite.NewTaskStore(db, logger), db: db}, nil

	case "postgres":
		db, err := postgres.Open(ctx, cfg.URL, postgres.DefaultPoolConfig(), logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres task store: %w", err)
		}
		return &taskStore{Store: postgres.NewTaskStore(db, logger), db: db}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
