package execution

import (
	"errors"
	"fmt"
	"os/exec"

	"github.com/phrazzld/runqueue/internal/domain"
)

// ErrUnknownTaskType is returned when no handler is registered for a type.
var ErrUnknownTaskType = errors.New("unknown task type")

// ExitCodeUsage is the conventional exit status for invalid invocation.
// Subprocesses exiting with it are not retried.
const ExitCodeUsage = 2

// Kind categorizes an execution failure.
type Kind string

// Failure kinds
const (
	KindHandler     Kind = "handler"
	KindExit        Kind = "exit"
	KindStart       Kind = "start"
	KindTimeout     Kind = "timeout"
	KindCancelled   Kind = "cancelled"
	KindUnknownType Kind = "unknown_type"
)

// Error describes a failed execution.
type Error struct {
	Kind     Kind
	ExitCode int
	Stderr   string
	Err      error
}

// Error implements the error interface.
func (e *Error) Error() string {
	var msg string
	switch {
	case e.Kind == KindExit:
		msg = fmt.Sprintf("exit status %d", e.ExitCode)
	case e.Err != nil:
		msg = e.Err.Error()
	default:
		msg = string(e.Kind)
	}
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Fatal reports whether retrying cannot help.
func (e *Error) Fatal() bool {
	switch e.Kind {
	case KindUnknownType, KindStart:
		return true
	case KindTimeout, KindCancelled:
		return false
	case KindExit:
		if e.ExitCode == ExitCodeUsage {
			return true
		}
	}
	return IsFatal(e.Err)
}

type classified struct {
	err   error
	fatal bool
}

func (c *classified) Error() string { return c.err.Error() }
func (c *classified) Unwrap() error { return c.err }

// Retryable marks err as transient. Handler errors are retryable by default;
// this exists to make the intent explicit.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, fatal: false}
}

// Fatal marks err as permanent so the task fails without further attempts.
func Fatal(err error) error {
	if err == nil {
		return nil
	}
	return &classified{err: err, fatal: true}
}

// IsFatal reports whether err must not be retried. The outermost
// classification wins; unclassified errors are retryable.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var c *classified
	if errors.As(err, &c) {
		return c.fatal
	}
	var execErr *Error
	if errors.As(err, &execErr) {
		return execErr.Fatal()
	}
	if errors.Is(err, ErrUnknownTaskType) || errors.Is(err, domain.ErrValidation) {
		return true
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode() == ExitCodeUsage
	}
	return false
}
