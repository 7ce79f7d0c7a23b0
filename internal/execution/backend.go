package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/phrazzld/runqueue/internal/domain"
)

// DefaultCancelGrace is the wait between a termination request and a kill.
const DefaultCancelGrace = 5 * time.Second

// Options tune a Backend.
type Options struct {
	// CancelGrace is the wait between the termination signal and a force kill.
	CancelGrace time.Duration
	// Threads sizes the OS thread pool in thread_fallback mode.
	Threads int
}

// Result is the outcome of one execution. Err is nil on success, otherwise an
// *Error.
type Result struct {
	Output   []byte
	Err      *Error
	Duration time.Duration
}

// Backend runs tasks through registered handlers.
type Backend struct {
	registry *Registry
	mode     Mode
	procs    *processRunner
	grace    time.Duration
	logger   *slog.Logger
}

// NewBackend creates a backend for a decided execution mode.
func NewBackend(registry *Registry, mode Mode, opts Options, logger *slog.Logger) (*Backend, error) {
	if !mode.Decided() {
		return nil, fmt.Errorf("execution mode %q is not decided", mode)
	}
	if opts.CancelGrace <= 0 {
		opts.CancelGrace = DefaultCancelGrace
	}

	logger = logger.With("component", "execution_backend", "mode", string(mode))

	var sp spawner = asyncSpawner{}
	if mode == ModeThreadFallback {
		sp = newThreadSpawner(opts.Threads)
	}

	return &Backend{
		registry: registry,
		mode:     mode,
		grace:    opts.CancelGrace,
		logger:   logger,
		procs: &processRunner{
			mode:    mode,
			grace:   opts.CancelGrace,
			spawner: sp,
			logger:  logger,
		},
	}, nil
}

// Mode returns the execution mode the backend was built for.
func (b *Backend) Mode() Mode {
	return b.mode
}

// Registry returns the handler registry.
func (b *Backend) Registry() *Registry {
	return b.registry
}

// RegisterCommand registers a CommandHandler for taskType supervised by this
// backend's process runner.
func (b *Backend) RegisterCommand(taskType string, spec CommandSpec) error {
	if len(spec.Command) == 0 {
		return fmt.Errorf("command for %q cannot be empty", taskType)
	}
	return b.registry.Register(taskType, &CommandHandler{
		spec:   spec,
		procs:  b.procs,
		logger: b.logger.With("task_type", taskType),
	})
}

// Execute runs task under timeout. Cancelling ctx interrupts the handler.
func (b *Backend) Execute(ctx context.Context, task *domain.Task, timeout time.Duration) Result {
	start := time.Now()

	h, err := b.registry.Lookup(task.Type)
	if err != nil {
		return Result{Err: &Error{Kind: KindUnknownType, Err: err}}
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	type outcome struct {
		out []byte
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("handler panicked: %v", p)}
			}
		}()
		out, err := h.Handle(runCtx, task.Params)
		done <- outcome{out: out, err: err}
	}()

	var res outcome
	select {
	case res = <-done:
	case <-runCtx.Done():
		// Give the handler the grace period to observe cancellation.
		timer := time.NewTimer(b.grace + time.Second)
		select {
		case res = <-done:
		case <-timer.C:
			b.logger.Warn("handler did not return after cancellation, abandoning it",
				"task_id", task.ID, "task_type", task.Type)
			res = outcome{err: runCtx.Err()}
		}
		timer.Stop()
	}

	result := Result{Duration: time.Since(start)}
	if res.err == nil {
		result.Output = res.out
		return result
	}
	result.Err = b.classify(ctx, runCtx, res.err)
	return result
}

func (b *Backend) classify(parent, runCtx context.Context, err error) *Error {
	switch {
	case parent.Err() != nil:
		return &Error{Kind: KindCancelled, Err: fmt.Errorf("%w: %w", domain.ErrTaskCancelled, parent.Err())}
	case errors.Is(runCtx.Err(), context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Err: domain.ErrExecutionTimeout}
	}

	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr
	}
	return &Error{Kind: KindHandler, Err: fmt.Errorf("%w: %w", domain.ErrHandler, err)}
}

// Close releases the thread pool used in thread_fallback mode.
func (b *Backend) Close() {
	b.procs.spawner.Close()
}
