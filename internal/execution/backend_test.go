package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/phrazzld/runqueue/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTask(taskType string) *domain.Task {
	return &domain.Task{
		ID:     uuid.New(),
		Type:   taskType,
		Params: []byte(`{"n":1}`),
		State:  domain.TaskStateRunning,
	}
}

func newTestBackend(t *testing.T, mode Mode) *Backend {
	t.Helper()
	b, err := NewBackend(NewRegistry(), mode, Options{CancelGrace: 200 * time.Millisecond, Threads: 2}, discardLogger())
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func TestNewBackend_RequiresDecidedMode(t *testing.T) {
	t.Parallel()

	_, err := NewBackend(NewRegistry(), ModeProbing, Options{}, discardLogger())
	assert.Error(t, err)
}

func TestBackend_Execute(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, ModeAsync)
	reg := b.Registry()

	require.NoError(t, reg.Register("echo", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		return append([]byte("ok:"), params...), nil
	})))
	require.NoError(t, reg.Register("flaky", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		return nil, errors.New("upstream 503")
	})))
	require.NoError(t, reg.Register("broken", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		return nil, Fatal(errors.New("malformed script"))
	})))
	require.NoError(t, reg.Register("slow", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})))
	require.NoError(t, reg.Register("panics", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		panic("nil map")
	})))

	t.Run("success", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("echo"), time.Second)
		require.Nil(t, res.Err)
		assert.Equal(t, `ok:{"n":1}`, string(res.Output))
	})

	t.Run("unclassified error is retryable", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("flaky"), time.Second)
		require.NotNil(t, res.Err)
		assert.Equal(t, KindHandler, res.Err.Kind)
		assert.False(t, res.Err.Fatal())
		assert.ErrorIs(t, res.Err, domain.ErrHandler)
		assert.Contains(t, res.Err.Error(), "upstream 503")
	})

	t.Run("fatal error", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("broken"), time.Second)
		require.NotNil(t, res.Err)
		assert.True(t, res.Err.Fatal())
	})

	t.Run("unknown type is fatal", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("publish"), time.Second)
		require.NotNil(t, res.Err)
		assert.Equal(t, KindUnknownType, res.Err.Kind)
		assert.ErrorIs(t, res.Err, ErrUnknownTaskType)
		assert.True(t, res.Err.Fatal())
	})

	t.Run("timeout is retryable", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("slow"), 20*time.Millisecond)
		require.NotNil(t, res.Err)
		assert.Equal(t, KindTimeout, res.Err.Kind)
		assert.ErrorIs(t, res.Err, domain.ErrExecutionTimeout)
		assert.False(t, res.Err.Fatal())
	})

	t.Run("cancellation", func(t *testing.T) {
		t.Parallel()
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(20*time.Millisecond, cancel)
		res := b.Execute(ctx, newTestTask("slow"), time.Minute)
		require.NotNil(t, res.Err)
		assert.Equal(t, KindCancelled, res.Err.Kind)
		assert.ErrorIs(t, res.Err, domain.ErrTaskCancelled)
	})

	t.Run("panic becomes handler error", func(t *testing.T) {
		t.Parallel()
		res := b.Execute(context.Background(), newTestTask("panics"), time.Second)
		require.NotNil(t, res.Err)
		assert.Equal(t, KindHandler, res.Err.Kind)
		assert.Contains(t, res.Err.Error(), "nil map")
	})
}

func TestBackend_AbandonsUncooperativeHandler(t *testing.T) {
	t.Parallel()

	b := newTestBackend(t, ModeAsync)
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	require.NoError(t, b.Registry().Register("stubborn", HandlerFunc(func(ctx context.Context, params []byte) ([]byte, error) {
		<-release
		return nil, nil
	})))

	start := time.Now()
	res := b.Execute(context.Background(), newTestTask("stubborn"), 10*time.Millisecond)
	require.NotNil(t, res.Err)
	assert.Equal(t, KindTimeout, res.Err.Kind)
	assert.Less(t, time.Since(start), 5*time.Second)
}
