//go:build !unix

package execution

import (
	"context"
	"errors"
	"os/exec"
)

var errNoProcessGroups = errors.New("process groups are not supported on this platform")

func probeProcessGroup(ctx context.Context) error {
	return errNoProcessGroups
}

func setProcessGroup(cmd *exec.Cmd) {}

// Without POSIX signals there is no graceful request; both steps kill.
func terminate(cmd *exec.Cmd, group bool) error {
	return forceKill(cmd, group)
}

func forceKill(cmd *exec.Cmd, group bool) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	return cmd.Process.Kill()
}
