// Package stage dispatches the jobs of one stage and aggregates their
// outcomes.
package stage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/lucasnoah/matrixci/internal/job"
	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

// errFailFast is the cancellation cause when a sibling job failed.
var errFailFast = errors.New("fail-fast: sibling job failed")

// JobRunner runs one job. *job.Runner implements it.
type JobRunner interface {
	Run(ctx context.Context, j *pipeline.Job, opts job.RunOpts) (*pipeline.JobResult, error)
}

// Coordinator runs every job of a stage, up to a parallelism limit.
type Coordinator struct {
	jobs        JobRunner
	parallelism int  // 0 = unlimited, 1 = sequential
	failFast    bool // cancel siblings after the first failure
	progress    io.Writer
}

// NewCoordinator creates a Coordinator.
func NewCoordinator(jobs JobRunner, parallelism int, failFast bool) *Coordinator {
	return &Coordinator{jobs: jobs, parallelism: parallelism, failFast: failFast}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (c *Coordinator) SetProgress(w io.Writer) {
	c.progress = w
}

func (c *Coordinator) logf(format string, args ...any) {
	if c.progress != nil {
		fmt.Fprintf(c.progress, "  → "+format+"\n", args...)
	}
}

// RunOpts configures a stage run.
type RunOpts struct {
	RunID       string
	Trigger     pipeline.Trigger
	PipelineEnv []pipeline.EnvVar

	// LogPath maps a job id to its log file; nil disables job logs.
	LogPath func(jobID string) string

	// OnJobFinished is called once per job that was invoked, never
	// concurrently.
	OnJobFinished func(ctx context.Context, res *pipeline.JobResult)
}

// Run executes all jobs of s and waits for every one of them. The result
// lists jobs in job order regardless of completion order. The error is a
// *pipeline.StageError when any job did not pass.
func (c *Coordinator) Run(ctx context.Context, s *pipeline.Stage, opts RunOpts) (*pipeline.StageResult, error) {
	l := log.FromContext(ctx).With("stage", s.Name())
	jobs := s.Jobs()

	result := &pipeline.StageResult{
		Name:      s.Name(),
		Rank:      s.Rank(),
		Outcome:   pipeline.OutcomePassed,
		Jobs:      make([]pipeline.JobResult, len(jobs)),
		StartedAt: time.Now().UTC(),
	}

	if len(jobs) == 0 {
		c.logf("stage %s: no jobs, passed", s.Name())
		l.Info("stage has no jobs")
		result.FinishedAt = time.Now().UTC()
		return result, nil
	}

	c.logf("stage %s: %d job(s), parallelism %s", s.Name(), len(jobs), c.limitLabel())
	l.Info("stage started", "jobs", len(jobs), "parallelism", c.parallelism, "fail_fast", c.failFast)

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var (
		results = make([]*pipeline.JobResult, len(jobs))
		errs    = make([]error, len(jobs))
		notify  sync.Mutex
	)

	g := new(errgroup.Group)
	if c.parallelism > 0 {
		g.SetLimit(c.parallelism)
	}
	for i, j := range jobs {
		g.Go(func() error {
			if runCtx.Err() != nil {
				results[i] = notStarted(j, context.Cause(runCtx))
				return nil
			}

			jobOpts := job.RunOpts{RunID: opts.RunID, Trigger: opts.Trigger, PipelineEnv: opts.PipelineEnv}
			if opts.LogPath != nil {
				jobOpts.LogPath = opts.LogPath(j.ID())
			}
			res, err := c.jobs.Run(runCtx, j, jobOpts)
			if res == nil {
				res = &pipeline.JobResult{JobID: j.ID(), Stage: j.Stage(), Name: j.Name(), Outcome: pipeline.OutcomeFailed}
			}
			results[i], errs[i] = res, err

			if err != nil && c.failFast {
				cancel(errFailFast)
			}
			if opts.OnJobFinished != nil {
				notify.Lock()
				opts.OnJobFinished(ctx, res)
				notify.Unlock()
			}
			return nil
		})
	}
	// Jobs report failure through errs; the group only provides the barrier
	// and the concurrency limit.
	_ = g.Wait()

	stageErr := &pipeline.StageError{Stage: s.Name()}
	for i, res := range results {
		result.Jobs[i] = *res
		if res.Passed() || res.Outcome == pipeline.OutcomeSkipped {
			continue
		}
		stageErr.Failed = append(stageErr.Failed, res.JobID)
		var jobErr *pipeline.JobError
		if errors.As(errs[i], &jobErr) {
			stageErr.Jobs = append(stageErr.Jobs, jobErr)
		}
	}
	result.FinishedAt = time.Now().UTC()

	// Skipped jobs alone still fail a stage: they only exist after a
	// cancellation.
	if len(stageErr.Failed) == 0 && !anySkipped(result.Jobs) {
		c.logf("stage %s: passed", s.Name())
		l.Info("stage passed")
		return result, nil
	}

	result.Outcome = pipeline.OutcomeFailed
	result.FailedJobs = stageErr.Failed
	c.logf("stage %s: failed (%v)", s.Name(), stageErr.Failed)
	l.Warn("stage failed", "failed_jobs", stageErr.Failed)
	return result, stageErr
}

func (c *Coordinator) limitLabel() string {
	if c.parallelism <= 0 {
		return "unlimited"
	}
	return fmt.Sprintf("%d", c.parallelism)
}

// notStarted records a job that never ran because the stage was cancelled.
// A fail-fast cancellation marks it skipped; any other cause is a cancelled
// run.
func notStarted(j *pipeline.Job, cause error) *pipeline.JobResult {
	outcome := pipeline.OutcomeCancelled
	if errors.Is(cause, errFailFast) {
		outcome = pipeline.OutcomeSkipped
	}
	now := time.Now().UTC()
	return &pipeline.JobResult{
		JobID:      j.ID(),
		Stage:      j.Stage(),
		Name:       j.Name(),
		Language:   j.Language(),
		Version:    j.Version(),
		Outcome:    outcome,
		ExitCode:   -1,
		Steps:      []pipeline.StepResult{},
		StartedAt:  now,
		FinishedAt: now,
	}
}

func anySkipped(jobs []pipeline.JobResult) bool {
	for _, j := range jobs {
		if j.Outcome == pipeline.OutcomeSkipped {
			return true
		}
	}
	return false
}
