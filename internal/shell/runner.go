// Package shell runs single step commands through a POSIX shell.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
)

// Command is one shell invocation.
type Command struct {
	Dir    string
	Env    []string // full environment, KEY=value
	Script string
	Output io.Writer // receives combined stdout and stderr; nil discards
}

// CommandRunner abstracts command execution for testability.
// A non-zero exit is reported through exitCode with a nil error; err is
// reserved for commands that could not be started or were cancelled.
type CommandRunner interface {
	Run(ctx context.Context, cmd Command) (exitCode int, err error)
}

// ExecRunner implements CommandRunner by shelling out.
type ExecRunner struct {
	Shell string // defaults to "sh"
}

func (e *ExecRunner) Run(ctx context.Context, c Command) (int, error) {
	sh := e.Shell
	if sh == "" {
		sh = "sh"
	}

	cmd := exec.CommandContext(ctx, sh, "-c", c.Script)
	cmd.Dir = c.Dir
	cmd.Env = c.Env
	out := c.Output
	if out == nil {
		out = io.Discard
	}
	cmd.Stdout = out
	cmd.Stderr = out
	setProcessGroup(cmd)

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	// A kill from cancellation surfaces as an exit error; report the cause.
	if ctxErr := ctx.Err(); ctxErr != nil {
		return -1, fmt.Errorf("exec: %w", ctxErr)
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("exec: %w", err)
}
