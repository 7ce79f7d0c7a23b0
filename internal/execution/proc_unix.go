//go:build unix

package execution

import (
	"context"
	"errors"
	"os/exec"
	"syscall"
)

func probeProcessGroup(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", "exit 0")
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd.Run()
}

func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// signalProcess delivers sig to the whole process group when the command was
// started in one, otherwise to the process itself.
func signalProcess(cmd *exec.Cmd, sig syscall.Signal, group bool) error {
	if cmd.Process == nil {
		return errors.New("process not started")
	}
	if group {
		return syscall.Kill(-cmd.Process.Pid, sig)
	}
	return cmd.Process.Signal(sig)
}

func terminate(cmd *exec.Cmd, group bool) error {
	return signalProcess(cmd, syscall.SIGTERM, group)
}

func forceKill(cmd *exec.Cmd, group bool) error {
	return signalProcess(cmd, syscall.SIGKILL, group)
}
