package agent

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"
)

// CommandSpec describes one plain subprocess run (git, gh, and friends).
type CommandSpec struct {
	Name    string
	Args    []string
	Dir     string
	Env     map[string]string
	Timeout time.Duration
}

// CommandResult carries everything the subprocess said. A non-zero exit
// code is data here, not an error; callers that care branch on ExitCode.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
}

// defaultCommandTimeout bounds ad-hoc subprocess runs that do not set one.
const defaultCommandTimeout = 60 * time.Second

// RunCommand executes spec and returns its output. The error return is
// reserved for the process not running at all: binary missing, context
// cancelled, or the timeout expiring before exit.
func RunCommand(ctx context.Context, spec CommandSpec) (*CommandResult, error) {
	if spec.Name == "" {
		return nil, fmt.Errorf("command name is required")
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second

	err := cmd.Run()
	res := &CommandResult{
		Stdout: stdout.String(),
		Stderr: stderr.String(),
	}
	if err != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s timed out after %v", spec.Name, timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
			return res, nil
		}
		return nil, fmt.Errorf("failed to run %s: %w", spec.Name, err)
	}
	return res, nil
}
