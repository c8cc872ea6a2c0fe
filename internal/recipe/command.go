package recipe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"
)

// DefaultGracePeriod is how long a cancelled step may take to exit after
// SIGTERM before it is killed.
const DefaultGracePeriod = 10 * time.Second

// Command is one external process invocation.
type Command struct {
	Script string
	Dir    string
	Env    []string
	Stdout io.Writer
	Stderr io.Writer
}

// CommandRunner executes commands and reports their exit code. A cancelled
// context must terminate the process and return an error wrapping ctx.Err().
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (int, error)
}

// ShellRunner runs commands through a POSIX shell in their own process group so
// cancellation reaches every descendant (make, compilers, linkers).
type ShellRunner struct {
	Shell       string
	GracePeriod time.Duration
}

func (r *ShellRunner) Run(ctx context.Context, c Command) (int, error) {
	shell := "sh"
	grace := DefaultGracePeriod
	if r != nil {
		if r.Shell != "" {
			shell = r.Shell
		}
		if r.GracePeriod > 0 {
			grace = r.GracePeriod
		}
	}

	if err := ctx.Err(); err != nil {
		return -1, err
	}

	cmd := exec.Command(shell, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	cmd.Stdout = c.Stdout
	cmd.Stderr = c.Stderr
	cmd.WaitDelay = grace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", shell, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		return exitStatus(err)
	case <-ctx.Done():
	}

	terminateGroup(cmd)
	select {
	case <-done:
	case <-time.After(grace):
		killGroup(cmd)
		<-done
	}
	return -1, ctx.Err()
}

func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code, signaled := signalExitCode(exitErr); signaled {
			return code, nil
		}
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
