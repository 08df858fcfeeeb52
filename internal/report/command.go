package report

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/lucasnoah/matrixci/internal/shell"
)

// CommandReporter runs a shell command for every event with the status in
// its environment. It is the hook for notifiers that have no webhook
// endpoint.
type CommandReporter struct {
	Runner  shell.CommandRunner
	Command string
	Dir     string
	BaseEnv []string  // defaults to the process environment
	Output  io.Writer // receives the command's output; nil discards
}

// NewCommandReporter creates a CommandReporter running command through runner.
func NewCommandReporter(runner shell.CommandRunner, command string) *CommandReporter {
	return &CommandReporter{Runner: runner, Command: command}
}

func (c *CommandReporter) JobFinished(ctx context.Context, r JobReport) error {
	env := map[string]string{
		"MATRIXCI_EVENT_TYPE": EventJobFinished,
		"MATRIXCI_RUN_ID":     r.RunID,
		"MATRIXCI_PIPELINE":   r.Pipeline,
		"MATRIXCI_COMMIT":     r.Trigger.Commit,
		"MATRIXCI_BRANCH":     r.Trigger.Branch,
		"MATRIXCI_EVENT":      r.Trigger.Event,
		"MATRIXCI_STATUS":     string(r.Job.Outcome),
		"MATRIXCI_STAGE":      r.Job.Stage,
		"MATRIXCI_JOB_ID":     r.Job.JobID,
		"MATRIXCI_JOB_NAME":   r.Job.Name,
		"MATRIXCI_EXIT_CODE":  strconv.Itoa(r.Job.ExitCode),
	}
	return c.run(ctx, env)
}

func (c *CommandReporter) PipelineFinished(ctx context.Context, r PipelineReport) error {
	env := map[string]string{
		"MATRIXCI_EVENT_TYPE":   EventPipelineFinished,
		"MATRIXCI_RUN_ID":       r.RunID,
		"MATRIXCI_PIPELINE":     r.Pipeline,
		"MATRIXCI_COMMIT":       r.Trigger.Commit,
		"MATRIXCI_BRANCH":       r.Trigger.Branch,
		"MATRIXCI_EVENT":        r.Trigger.Event,
		"MATRIXCI_STATUS":       string(r.State),
		"MATRIXCI_FAILED_STAGE": r.FailedStage,
		"MATRIXCI_FAILED_JOBS":  strings.Join(r.FailedJobs, ","),
	}
	return c.run(ctx, env)
}

func (c *CommandReporter) run(ctx context.Context, vars map[string]string) error {
	env := c.BaseEnv
	if env == nil {
		env = os.Environ()
	}
	env = append([]string(nil), env...)
	for k, v := range vars {
		env = append(env, k+"="+v)
	}

	code, err := c.Runner.Run(ctx, shell.Command{
		Dir:    c.Dir,
		Env:    env,
		Script: c.Command,
		Output: c.Output,
	})
	if err != nil {
		return fmt.Errorf("notify command: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("notify command exited %d", code)
	}
	return nil
}
