package sqlite_test

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/phrazzld/runqueue/internal/platform/sqlite"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/phrazzld/runqueue/internal/task"
	"github.com/phrazzld/runqueue/internal/task/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	path := filepath.Join(t.TempDir(), "runqueue.db")
	db, err := sqlite.Open(context.Background(), path, 5*time.Second, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestTaskStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T) task.Store {
		return sqlite.NewTaskStore(openTestDB(t), testLogger())
	})
}

func TestTwoStoresShareOneFile(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	dbA, err := sqlite.Open(ctx, path, 5*time.Second, testLogger())
	require.NoError(t, err)
	defer func() { _ = dbA.Close() }()
	dbB, err := sqlite.Open(ctx, path, 5*time.Second, testLogger())
	require.NoError(t, err, "migrations must be idempotent")
	defer func() { _ = dbB.Close() }()

	a := sqlite.NewTaskStore(dbA, testLogger())
	b := sqlite.NewTaskStore(dbB, testLogger())

	tk := storetest.NewTask(t, "index_repo", 0)
	require.NoError(t, a.Submit(ctx, tk))

	claimed, err := b.ClaimNext(ctx, "proc-b", task.FIFO{})
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, tk.ID, claimed.ID)

	again, err := a.ClaimNext(ctx, "proc-a", task.FIFO{})
	require.NoError(t, err)
	assert.Nil(t, again)

	got, err := a.Get(ctx, tk.ID)
	require.NoError(t, err)
	assert.Equal(t, "proc-b", got.ClaimedBy)
}

func TestDSN(t *testing.T) {
	t.Parallel()

	dsn := sqlite.DSN("/var/lib/runqueue.db", 0)
	assert.True(t, strings.HasPrefix(dsn, "file:/var/lib/runqueue.db?"))
	assert.Contains(t, dsn, "_busy_timeout=5000")
	assert.Contains(t, dsn, "_journal_mode=WAL")
	assert.Contains(t, dsn, "_txlock=immediate")
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want error
	}{
		{name: "no rows", err: sql.ErrNoRows, want: store.ErrNotFound},
		{name: "primary key", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintPrimaryKey}, want: store.ErrDuplicate},
		{name: "check", err: sqlite3.Error{Code: sqlite3.ErrConstraint, ExtendedCode: sqlite3.ErrConstraintCheck}, want: store.ErrInvalidEntity},
		{name: "busy", err: sqlite3.Error{Code: sqlite3.ErrBusy}, want: store.ErrTransactionFailed},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.ErrorIs(t, sqlite.MapError(tc.err), tc.want)
		})
	}

	assert.NoError(t, sqlite.MapError(nil))
	plain := errors.New("disk I/O error")
	assert.Equal(t, plain, sqlite.MapError(plain))
}

func TestDialect(t *testing.T) {
	t.Parallel()

	d := sqlite.Dialect{}
	now := time.Now().UTC()
	got, err := d.DecodeTime(d.EncodeTime(now))
	require.NoError(t, err)
	assert.True(t, now.Equal(got))

	_, err = d.DecodeTime("yesterday")
	assert.Error(t, err)

	assert.True(t, d.Retryable(sqlite3.Error{Code: sqlite3.ErrBusy}))
	assert.True(t, d.Retryable(sqlite3.Error{Code: sqlite3.ErrLocked}))
	assert.False(t, d.Retryable(domain.ErrClaimConflict))
}
