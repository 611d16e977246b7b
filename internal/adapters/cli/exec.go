package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// waitDelay bounds how long Wait keeps draining pipes held open by orphans.
const waitDelay = 2 * time.Second

type cmdResult struct {
	stdout   string
	stderr   string
	exitCode int
	duration time.Duration
	timedOut bool
}

// execute runs bin with args in its own process group. When timeout (if
// non-zero) expires or ctx ends, the whole group is killed with SIGKILL.
// A non-zero exit status is reported through cmdResult, not as an error.
func execute(ctx context.Context, bin string, args []string, timeout time.Duration) (*cmdResult, error) {
	var stdout, stderr bytes.Buffer
	cmd := exec.Command(bin, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.WaitDelay = waitDelay

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", bin, err)
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}
	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	res := &cmdResult{}
	var err error
	select {
	case err = <-done:
	case <-deadline:
		res.timedOut = true
		killGroup(cmd)
		err = <-done
	case <-ctx.Done():
		killGroup(cmd)
		<-done
		return nil, ctx.Err()
	}
	res.duration = time.Since(start)
	res.stdout = stdout.String()
	res.stderr = stderr.String()

	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			if res.timedOut {
				return res, nil
			}
			return nil, fmt.Errorf("wait %s: %w", bin, err)
		}
		res.exitCode = exitErr.ExitCode()
	}
	return res, nil
}

// killGroup kills the process group led by cmd. Guest processes may ignore
// softer signals.
func killGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := unix.Kill(-cmd.Process.Pid, unix.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
