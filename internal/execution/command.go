package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"time"

	"github.com/phrazzld/runqueue/internal/redact"
)

// CommandSpec describes an external handler program.
type CommandSpec struct {
	// Command is the program and its arguments.
	Command []string
	// Env entries (KEY=VALUE) are appended to the engine's environment.
	Env []string
	// Dir is the working directory; empty means the engine's.
	Dir string
}

// CommandHandler runs a subprocess per task. The task params are written to
// its stdin; its stdout is the result. A non-zero exit produces an *Error
// carrying the exit code and the redacted tail of stderr.
type CommandHandler struct {
	spec   CommandSpec
	procs  *processRunner
	logger *slog.Logger
}

// Handle implements Handler.
func (h *CommandHandler) Handle(ctx context.Context, params []byte) ([]byte, error) {
	if len(h.spec.Command) == 0 {
		return nil, &Error{Kind: KindStart, Err: errors.New("empty command")}
	}

	cmd := exec.Command(h.spec.Command[0], h.spec.Command[1:]...)
	cmd.Stdin = bytes.NewReader(params)
	cmd.Dir = h.spec.Dir
	cmd.Env = append(os.Environ(), h.spec.Env...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	waitErr := h.procs.run(ctx, cmd)

	switch {
	case waitErr == nil:
		return stdout.Bytes(), nil
	case errors.Is(waitErr, errStart):
		return nil, &Error{Kind: KindStart, Err: waitErr}
	case ctx.Err() != nil:
		// The backend turns this into a timeout or cancellation.
		return nil, fmt.Errorf("subprocess terminated: %w", ctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		return nil, &Error{
			Kind:     KindExit,
			ExitCode: exitErr.ExitCode(),
			Stderr:   redact.Stderr(stderr.Bytes(), redact.DefaultStderrLimit),
			Err:      waitErr,
		}
	}
	return nil, fmt.Errorf("subprocess wait failed: %w", waitErr)
}

var errStart = errors.New("failed to start subprocess")

// processRunner supervises subprocesses according to the execution mode.
type processRunner struct {
	mode    Mode
	grace   time.Duration
	spawner spawner
	logger  *slog.Logger
}

func (r *processRunner) group() bool {
	return r.mode == ModeAsync
}

// run starts cmd and waits for it. When ctx ends first the process gets a
// termination signal, then a kill after the grace period.
func (r *processRunner) run(ctx context.Context, cmd *exec.Cmd) error {
	if r.group() {
		setProcessGroup(cmd)
	}
	// Bounds the wait for grandchildren that inherited the output pipes.
	cmd.WaitDelay = r.grace + time.Second

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: %s: %w", errStart, cmd.Path, err)
	}

	done := make(chan error, 1)
	r.spawner.Go(func() { done <- cmd.Wait() })

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
	}

	pid := cmd.Process.Pid
	if err := terminate(cmd, r.group()); err != nil {
		r.logger.Debug("termination signal failed", "pid", pid, "error", err)
	}

	timer := time.NewTimer(r.grace)
	defer timer.Stop()

	select {
	case err := <-done:
		return err
	case <-timer.C:
		r.logger.Warn("subprocess ignored termination, killing", "pid", pid, "grace", r.grace)
		if err := forceKill(cmd, r.group()); err != nil {
			r.logger.Debug("kill failed", "pid", pid, "error", err)
		}
		return <-done
	}
}
