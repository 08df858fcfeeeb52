// Package orchestrator drives a run through its stages in rank order and
// records the outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/lucasnoah/matrixci/internal/db"
	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/report"
	"github.com/lucasnoah/matrixci/internal/stage"
)

// reportTimeout bounds each reporter call. Reports go out on a context
// detached from the run so a cancelled or timed out run still publishes.
const reportTimeout = 30 * time.Second

// StageRunner runs every job of one stage. *stage.Coordinator implements it.
type StageRunner interface {
	Run(ctx context.Context, s *pipeline.Stage, opts stage.RunOpts) (*pipeline.StageResult, error)
}

// Driver composes the run lifecycle: create, run stages, persist, report.
type Driver struct {
	store    *pipeline.Store
	db       *db.DB // optional history database
	stages   StageRunner
	reporter report.Reporter // optional
	progress io.Writer       // live progress output; nil = silent
}

// NewDriver creates a Driver. database and reporter may be nil.
func NewDriver(store *pipeline.Store, database *db.DB, stages StageRunner, reporter report.Reporter) *Driver {
	return &Driver{
		store:    store,
		db:       database,
		stages:   stages,
		reporter: reporter,
	}
}

// SetProgress sets a writer for live progress output (e.g. os.Stderr).
func (d *Driver) SetProgress(w io.Writer) {
	d.progress = w
}

func (d *Driver) logf(format string, args ...any) {
	if d.progress != nil {
		fmt.Fprintf(d.progress, format+"\n", args...)
	}
}

// Create records a new pending run of p for trigger.
func (d *Driver) Create(ctx context.Context, p *pipeline.Pipeline, trigger pipeline.Trigger) (*pipeline.Run, error) {
	run, err := d.store.Create(p, trigger)
	if err != nil {
		return nil, fmt.Errorf("create run: %w", err)
	}
	d.record(ctx, run)
	d.event(ctx, run.ID, "created", "", fmt.Sprintf("event=%s commit=%s", run.Trigger.Event, run.Trigger.Commit))
	return run, nil
}

// Run creates a run of p and executes it to a terminal state.
func (d *Driver) Run(ctx context.Context, p *pipeline.Pipeline, trigger pipeline.Trigger) (*pipeline.Run, error) {
	run, err := d.Create(ctx, p, trigger)
	if err != nil {
		return nil, err
	}
	return d.Execute(ctx, p, run)
}

// Execute runs the stages of p one at a time in rank order, stopping at the
// first failed stage. Stages after it are recorded as skipped and none of
// their jobs is invoked. The returned run is terminal; the error is a
// *pipeline.PipelineError when a stage failed.
func (d *Driver) Execute(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run) (*pipeline.Run, error) {
	stages := p.Stages()
	l := log.FromContext(ctx).With("run", run.ID, "pipeline", p.Name())
	ctx = log.IntoContext(ctx, l)

	if run.State != pipeline.StatePending {
		return run, fmt.Errorf("%w: run %s is %s", pipeline.ErrInvalidTransition, run.ID, run.State)
	}
	m := pipeline.NewMachine(len(stages))
	if err := m.Start(); err != nil {
		return run, fmt.Errorf("start run %s: %w", run.ID, err)
	}
	run.State = pipeline.StateRunning
	run.StartedAt = time.Now().UTC()
	run.Stages = make([]pipeline.StageResult, 0, len(stages))
	d.record(ctx, run)
	d.event(ctx, run.ID, "started", "", fmt.Sprintf("stages=%d jobs=%d", len(stages), p.JobCount()))

	d.logf("run %s: %s (%d stages)", run.ID, p.Name(), len(stages))
	l.Info("run started", "stages", len(stages), "jobs", p.JobCount())

	opts := stage.RunOpts{
		RunID:       run.ID,
		Trigger:     run.Trigger,
		PipelineEnv: p.Env(),
		LogPath: func(jobID string) string {
			return d.store.JobLogPath(run.ID, jobID)
		},
		OnJobFinished: func(ctx context.Context, res *pipeline.JobResult) {
			d.jobFinished(ctx, p, run, res)
		},
	}

	var runErr *pipeline.PipelineError
	for i, s := range stages {
		run.StageIndex = i
		d.record(ctx, run)
		d.event(ctx, run.ID, "stage_started", s.Name(), fmt.Sprintf("rank=%d jobs=%d", s.Rank(), len(s.Jobs())))
		d.logf("stage %d/%d: %s", i+1, len(stages), s.Name())

		res, err := d.stages.Run(ctx, s, opts)
		if res == nil {
			res = &pipeline.StageResult{Name: s.Name(), Rank: s.Rank(), Outcome: pipeline.OutcomeFailed}
		}
		run.Stages = append(run.Stages, *res)
		d.logStage(ctx, run.ID, res)

		if err == nil {
			if terr := m.StagePassed(); terr != nil {
				return run, terr
			}
			d.event(ctx, run.ID, "stage_passed", s.Name(), "")
			continue
		}

		if terr := m.StageFailed(); terr != nil {
			return run, terr
		}
		var stageErr *pipeline.StageError
		if !errors.As(err, &stageErr) {
			stageErr = &pipeline.StageError{Stage: s.Name(), Failed: res.FailedJobs}
		}
		runErr = &pipeline.PipelineError{Pipeline: p.Name(), Stage: stageErr}
		d.event(ctx, run.ID, "stage_failed", s.Name(), strings.Join(stageErr.Failed, ","))
		l.Warn("stage failed", "stage", s.Name(), "failed_jobs", stageErr.Failed)

		for _, rest := range stages[i+1:] {
			skipped := skippedStage(rest)
			run.Stages = append(run.Stages, *skipped)
			d.logStage(ctx, run.ID, skipped)
			d.logf("stage %s: skipped", rest.Name())
		}
		break
	}

	run.State, _ = m.Current()
	run.FinishedAt = time.Now().UTC()
	if runErr != nil {
		run.Error = runErr.Error()
	}
	d.record(ctx, run)

	if run.State == pipeline.StateSucceeded {
		d.event(ctx, run.ID, "completed", "", "")
		d.logf("run %s: succeeded in %s", run.ID, run.Duration().Round(time.Millisecond))
		l.Info("run succeeded", "duration", run.Duration())
	} else {
		d.event(ctx, run.ID, "failed", runErr.Stage.Stage, strings.Join(runErr.Stage.Failed, ","))
		d.logf("run %s: failed at stage %s (%s)", run.ID, runErr.Stage.Stage, strings.Join(runErr.Stage.Failed, ", "))
		l.Warn("run failed", "stage", runErr.Stage.Stage, "duration", run.Duration())
	}

	d.pipelineFinished(ctx, run, runErr)
	if runErr != nil {
		return run, runErr
	}
	return run, nil
}

// jobFinished persists and reports one job result.
func (d *Driver) jobFinished(ctx context.Context, p *pipeline.Pipeline, run *pipeline.Run, res *pipeline.JobResult) {
	l := log.FromContext(ctx)
	if d.db != nil {
		if err := d.db.LogJobResult(run.ID, res); err != nil {
			l.Warn("record job result", "job", res.JobID, "error", err)
		}
	}
	if d.reporter == nil {
		return
	}
	rctx, cancel := reportContext(ctx)
	defer cancel()
	err := d.reporter.JobFinished(rctx, report.JobReport{
		RunID:    run.ID,
		Pipeline: p.Name(),
		Trigger:  run.Trigger,
		Job:      *res,
	})
	if err != nil {
		l.Warn("job report failed", "job", res.JobID, "error", err)
	}
}

// pipelineFinished emits the terminal status. Reporter errors are logged and
// never change the run.
func (d *Driver) pipelineFinished(ctx context.Context, run *pipeline.Run, runErr *pipeline.PipelineError) {
	if d.reporter == nil {
		return
	}
	rep := report.PipelineReport{
		RunID:      run.ID,
		Pipeline:   run.Pipeline,
		Trigger:    run.Trigger,
		State:      run.State,
		Stages:     run.Stages,
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
	}
	if runErr != nil {
		rep.FailedStage = runErr.Stage.Stage
		rep.FailedJobs = runErr.Stage.Failed
	}
	rctx, cancel := reportContext(ctx)
	defer cancel()
	if err := d.reporter.PipelineFinished(rctx, rep); err != nil {
		log.FromContext(ctx).Warn("pipeline report failed", "error", err)
	}
}

// reportContext keeps the values of ctx, including its logger, but not its
// cancellation.
func reportContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
}

// record persists the run snapshot to the store and the history database.
func (d *Driver) record(ctx context.Context, run *pipeline.Run) {
	l := log.FromContext(ctx)
	if err := d.store.Save(run); err != nil {
		l.Warn("save run", "error", err)
	}
	if d.db != nil {
		if err := d.db.UpsertRun(run); err != nil {
			l.Warn("record run", "error", err)
		}
	}
}

func (d *Driver) logStage(ctx context.Context, runID string, res *pipeline.StageResult) {
	if d.db == nil {
		return
	}
	if err := d.db.LogStageResult(runID, res); err != nil {
		log.FromContext(ctx).Warn("record stage result", "stage", res.Name, "error", err)
	}
}

func (d *Driver) event(ctx context.Context, runID, event, stage, detail string) {
	if d.db == nil {
		return
	}
	if err := d.db.LogPipelineEvent(runID, event, stage, detail); err != nil {
		log.FromContext(ctx).Warn("record pipeline event", "event", event, "error", err)
	}
}

// skippedStage records a stage that never started because an earlier one
// failed.
func skippedStage(s *pipeline.Stage) *pipeline.StageResult {
	res := &pipeline.StageResult{
		Name:    s.Name(),
		Rank:    s.Rank(),
		Outcome: pipeline.OutcomeSkipped,
		Jobs:    []pipeline.JobResult{},
	}
	for _, j := range s.Jobs() {
		res.Jobs = append(res.Jobs, pipeline.JobResult{
			JobID:    j.ID(),
			Stage:    j.Stage(),
			Name:     j.Name(),
			Language: j.Language(),
			Version:  j.Version(),
			Outcome:  pipeline.OutcomeSkipped,
			ExitCode: -1,
			Steps:    []pipeline.StepResult{},
		})
	}
	return res
}
