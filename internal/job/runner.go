// Package job runs a single job: install, before_script and script steps in
// sequence, then after_success steps when the script phase passed.
package job

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/shell"
)

// Runner executes jobs through a CommandRunner.
type Runner struct {
	cmd      shell.CommandRunner
	workDir  string
	baseEnv  []string
	progress io.Writer // live progress output; nil = silent
}

// NewRunner creates a Runner whose steps run in workDir with the current
// process environment as base.
func NewRunner(cmd shell.CommandRunner, workDir string) *Runner {
	return &Runner{
		cmd:     cmd,
		workDir: workDir,
		baseEnv: os.Environ(),
	}
}

// SetBaseEnv replaces the inherited environment (for testing).
func (r *Runner) SetBaseEnv(env []string) {
	r.baseEnv = env
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (r *Runner) SetProgress(w io.Writer) {
	r.progress = w
}

func (r *Runner) logf(format string, args ...any) {
	if r.progress != nil {
		fmt.Fprintf(r.progress, "  → "+format+"\n", args...)
	}
}

// RunOpts carries per-run context into a job.
type RunOpts struct {
	RunID       string
	Trigger     pipeline.Trigger
	PipelineEnv []pipeline.EnvVar
	LogPath     string // combined output of every step; "" = no log file
}

// Run executes j. The returned result is always non-nil. The error is a
// *pipeline.JobError when an install, before_script or script step failed;
// after_success failures only add warnings.
func (r *Runner) Run(ctx context.Context, j *pipeline.Job, opts RunOpts) (*pipeline.JobResult, error) {
	l := log.FromContext(ctx).With("job", j.ID())

	result := &pipeline.JobResult{
		JobID:     j.ID(),
		Stage:     j.Stage(),
		Name:      j.Name(),
		Language:  j.Language(),
		Version:   j.Version(),
		Outcome:   pipeline.OutcomePassed,
		Steps:     []pipeline.StepResult{},
		StartedAt: time.Now().UTC(),
	}
	defer func() { result.FinishedAt = time.Now().UTC() }()

	var logOut io.Writer = io.Discard
	if opts.LogPath != "" {
		f, err := pipeline.CreateLog(opts.LogPath)
		if err != nil {
			l.Warn("job log unavailable", "error", err)
			result.Warnings = append(result.Warnings, err.Error())
		} else {
			defer f.Close()
			logOut = f
			result.LogPath = opts.LogPath
		}
	}

	env := buildEnv(r.baseEnv, j, opts)
	r.logf("%s (%s): starting", j.ID(), j.Name())
	l.Info("job started", "name", j.Name())

	var failure *pipeline.StepError
	for _, phase := range pipeline.FatalPhases {
		for _, step := range j.Steps(phase) {
			if failure != nil {
				result.Steps = append(result.Steps, skipped(step))
				continue
			}

			sr, stepErr := r.runStep(ctx, j, step, env, logOut)
			result.Steps = append(result.Steps, sr)
			result.ExitCode = sr.ExitCode
			if stepErr != nil {
				failure = stepErr
				result.FailedStep = &pipeline.Step{Phase: step.Phase, Index: step.Index, Command: step.Command}
				l.Warn("step failed", "phase", step.Phase, "index", step.Index, "exit_code", sr.ExitCode, "error", stepErr.Err)
			}
		}
	}

	after := j.Steps(pipeline.PhaseAfterSuccess)
	if failure != nil {
		for _, step := range after {
			result.Steps = append(result.Steps, skipped(step))
		}
		result.Outcome = pipeline.OutcomeFailed
		if ctx.Err() != nil {
			result.Outcome = pipeline.OutcomeCancelled
		}
		r.logf("%s: %s at %s[%d] (exit %d)", j.ID(), result.Outcome, failure.Step.Phase, failure.Step.Index, failure.ExitCode)
		l.Info("job finished", "outcome", result.Outcome, "exit_code", result.ExitCode)
		return result, &pipeline.JobError{JobID: j.ID(), Step: failure}
	}

	// after_success is best-effort: every step is attempted and none can
	// change the outcome.
	if len(after) > 0 {
		afterEnv := env.Clone()
		afterEnv.Set("MATRIXCI_TEST_RESULT", "0")
		for _, step := range after {
			sr, stepErr := r.runStep(ctx, j, step, afterEnv, logOut)
			result.Steps = append(result.Steps, sr)
			if stepErr != nil {
				result.Warnings = append(result.Warnings, stepErr.Error())
				l.Warn("after_success step failed", "index", step.Index, "exit_code", sr.ExitCode)
			}
		}
	}

	r.logf("%s: passed", j.ID())
	l.Info("job finished", "outcome", result.Outcome, "exit_code", result.ExitCode)
	return result, nil
}

// runStep runs one step and returns its record plus a StepError when the
// step did not exit zero.
func (r *Runner) runStep(ctx context.Context, j *pipeline.Job, step pipeline.Step, env *Env, logOut io.Writer) (pipeline.StepResult, *pipeline.StepError) {
	sr := pipeline.StepResult{
		Phase:     step.Phase,
		Index:     step.Index,
		Command:   step.Command,
		StartedAt: time.Now().UTC(),
	}

	if err := ctx.Err(); err != nil {
		sr.Outcome = pipeline.OutcomeCancelled
		sr.ExitCode = -1
		sr.Error = err.Error()
		return sr, &pipeline.StepError{JobID: j.ID(), Step: step, ExitCode: -1, Err: err}
	}

	fmt.Fprintf(logOut, "$ %s\n", step.Command)
	tail := shell.NewTail(shell.MaxTailLen)
	code, err := r.cmd.Run(ctx, shell.Command{
		Dir:    r.workDir,
		Env:    env.Slice(),
		Script: step.Command,
		Output: io.MultiWriter(logOut, tail),
	})
	sr.DurationMs = time.Since(sr.StartedAt).Milliseconds()
	sr.ExitCode = code
	sr.OutputTail = tail.String()

	switch {
	case err != nil:
		sr.Outcome = pipeline.OutcomeFailed
		if ctx.Err() != nil {
			sr.Outcome = pipeline.OutcomeCancelled
		}
		sr.Error = err.Error()
		fmt.Fprintf(logOut, "%s[%d] error: %v\n", step.Phase, step.Index, err)
		return sr, &pipeline.StepError{JobID: j.ID(), Step: step, ExitCode: code, Err: err}
	case code != 0:
		sr.Outcome = pipeline.OutcomeFailed
		fmt.Fprintf(logOut, "%s[%d] exited with %d\n", step.Phase, step.Index, code)
		return sr, &pipeline.StepError{JobID: j.ID(), Step: step, ExitCode: code}
	default:
		sr.Outcome = pipeline.OutcomePassed
		return sr, nil
	}
}

func skipped(step pipeline.Step) pipeline.StepResult {
	return pipeline.StepResult{
		Phase:   step.Phase,
		Index:   step.Index,
		Command: step.Command,
		Outcome: pipeline.OutcomeSkipped,
	}
}
