package postgres_test

import (
	"database/sql"
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/phrazzld/runqueue/internal/platform/postgres"
	"github.com/phrazzld/runqueue/internal/store"
	"github.com/stretchr/testify/assert"
)

func newPgError(code string) *pgconn.PgError {
	return &pgconn.PgError{
		Code:           code,
		Message:        "error message",
		TableName:      "tasks",
		ColumnName:     "params",
		ConstraintName: "tasks_priority_check",
	}
}

func TestMapError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		err     error
		want    error
		wantMsg string
	}{
		{name: "no rows", err: sql.ErrNoRows, want: store.ErrNotFound},
		{name: "unique violation", err: newPgError("23505"), want: store.ErrDuplicate},
		{name: "check violation", err: newPgError("23514"), want: store.ErrInvalidEntity, wantMsg: "tasks_priority_check"},
		{name: "not null violation", err: newPgError("23502"), want: store.ErrInvalidEntity, wantMsg: "params"},
		{name: "serialization failure", err: newPgError("40001"), want: store.ErrTransactionFailed},
		{name: "wrapped unique violation", err: fmt.Errorf("insert: %w", newPgError("23505")), want: store.ErrDuplicate},
	}

	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := postgres.MapError(tc.err)
			assert.ErrorIs(t, got, tc.want)
			if tc.wantMsg != "" {
				assert.Contains(t, got.Error(), tc.wantMsg)
			}
		})
	}

	assert.NoError(t, postgres.MapError(nil))
	other := newPgError("42P01")
	assert.Equal(t, error(other), postgres.MapError(other))
}

func TestErrorPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, postgres.IsUniqueViolation(newPgError("23505")))
	assert.False(t, postgres.IsUniqueViolation(newPgError("23514")))
	assert.True(t, postgres.IsCheckConstraintViolation(newPgError("23514")))
	assert.True(t, postgres.IsNotNullViolation(newPgError("23502")))
	assert.False(t, postgres.IsNotNullViolation(errors.New("plain")))

	for _, code := range []string{"40001", "40P01", "55P03"} {
		assert.True(t, postgres.IsRetryable(fmt.Errorf("tx: %w", newPgError(code))), code)
	}
	assert.False(t, postgres.IsRetryable(newPgError("23505")))

	assert.True(t, postgres.IsNotFoundError(sql.ErrNoRows))
	assert.True(t, postgres.IsNotFoundError(store.ErrTaskNotFound))
	assert.False(t, postgres.IsNotFoundError(errors.New("boom")))
}
