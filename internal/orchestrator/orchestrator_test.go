package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/lucasnoah/matrixci/internal/config"
	"github.com/lucasnoah/matrixci/internal/db"
	"github.com/lucasnoah/matrixci/internal/job"
	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/report"
	"github.com/lucasnoah/matrixci/internal/stage"
)

// --- Mock job runner ---

type mockJobs struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]bool
}

func (m *mockJobs) Run(ctx context.Context, j *pipeline.Job, opts job.RunOpts) (*pipeline.JobResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, j.ID())
	m.mu.Unlock()

	res := &pipeline.JobResult{JobID: j.ID(), Stage: j.Stage(), Name: j.Name(), Outcome: pipeline.OutcomePassed, LogPath: opts.LogPath}
	if ctx.Err() != nil {
		res.Outcome = pipeline.OutcomeCancelled
		step := &pipeline.StepError{JobID: j.ID(), ExitCode: -1, Err: ctx.Err()}
		return res, &pipeline.JobError{JobID: j.ID(), Step: step}
	}
	if m.fail[j.ID()] {
		res.Outcome = pipeline.OutcomeFailed
		res.ExitCode = 1
		res.FailedStep = &pipeline.Step{Phase: pipeline.PhaseScript, Command: "pytest"}
		step := &pipeline.StepError{JobID: j.ID(), Step: *res.FailedStep, ExitCode: 1}
		return res, &pipeline.JobError{JobID: j.ID(), Step: step}
	}
	return res, nil
}

func (m *mockJobs) called() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.calls...)
}

func (m *mockJobs) calledStage(name string) []string {
	var out []string
	for _, id := range m.called() {
		if strings.HasPrefix(id, name+".") {
			out = append(out, id)
		}
	}
	return out
}

// --- Mock reporter ---

type mockReporter struct {
	mu        sync.Mutex
	jobs      []string
	pipelines []report.PipelineReport
	ctxErrs   []error // ctx.Err() seen by each call
	err       error
}

func (r *mockReporter) JobFinished(ctx context.Context, rep report.JobReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs = append(r.jobs, rep.Job.JobID)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return r.err
}

func (r *mockReporter) PipelineFinished(ctx context.Context, rep report.PipelineReport) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pipelines = append(r.pipelines, rep)
	r.ctxErrs = append(r.ctxErrs, ctx.Err())
	return r.err
}

// --- Helpers ---

// molerPipeline is the two-stage style/test matrix.
func molerPipeline(t *testing.T) *pipeline.Pipeline {
	t.Helper()
	cfg := &config.PipelineConfig{
		Name:   "moler",
		Stages: []config.StageRef{{Name: "style"}, {Name: "test"}},
		Env:    []string{"CI_LEVEL=pipeline"},
		Jobs: config.Jobs{Include: []config.Job{
			{Stage: "style", Language: "python", Version: "3.6", Script: []string{"pycodestyle"}},
			{Stage: "style", Language: "python", Version: "3.7", Script: []string{"pycodestyle"}},
			{Stage: "test", Language: "python", Version: "3.6", Script: []string{"pytest"}},
			{Stage: "test", Language: "python", Version: "3.7", Script: []string{"pytest"}, AfterSuccess: []string{"coveralls"}},
		}},
	}
	p, err := pipeline.Build(cfg)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return p
}

type fixture struct {
	driver   *Driver
	jobs     *mockJobs
	reporter *mockReporter
	store    *pipeline.Store
	db       *db.DB
	progress *bytes.Buffer
}

func newFixture(t *testing.T, fail ...string) *fixture {
	t.Helper()
	d, err := db.Open(":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := d.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { d.Close() })

	jobs := &mockJobs{fail: map[string]bool{}}
	for _, id := range fail {
		jobs.fail[id] = true
	}
	f := &fixture{
		jobs:     jobs,
		reporter: &mockReporter{},
		store:    pipeline.NewStore(t.TempDir()),
		db:       d,
		progress: &bytes.Buffer{},
	}
	f.driver = NewDriver(f.store, d, stage.NewCoordinator(jobs, 1, false), f.reporter)
	f.driver.SetProgress(f.progress)
	return f
}

// --- Tests ---

func TestRun_AllStagesPass(t *testing.T) {
	f := newFixture(t)
	run, err := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{Commit: "abc", Event: "push"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != pipeline.StateSucceeded {
		t.Errorf("expected succeeded, got %s", run.State)
	}
	if run.StageIndex != 1 {
		t.Errorf("expected stage_index=1, got %d", run.StageIndex)
	}
	if got := strings.Join(f.jobs.called(), ","); got != "style.1,style.2,test.1,test.2" {
		t.Errorf("jobs = %s", got)
	}
	if len(run.Stages) != 2 || !run.Stages[0].Passed() || !run.Stages[1].Passed() {
		t.Errorf("stages = %+v", run.Stages)
	}
	if run.StartedAt.IsZero() || run.FinishedAt.IsZero() {
		t.Error("expected start and finish timestamps")
	}
	if !strings.Contains(f.progress.String(), "succeeded") {
		t.Errorf("progress = %q", f.progress.String())
	}
}

func TestRun_StyleFailureSkipsTest(t *testing.T) {
	f := newFixture(t, "style.2")
	run, err := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{})

	var pErr *pipeline.PipelineError
	if !errors.As(err, &pErr) {
		t.Fatalf("expected PipelineError, got %v", err)
	}
	if pErr.Stage.Stage != "style" || strings.Join(pErr.Stage.Failed, ",") != "style.2" {
		t.Errorf("stage error = %+v", pErr.Stage)
	}
	var jobErr *pipeline.JobError
	if !errors.As(err, &jobErr) || jobErr.JobID != "style.2" {
		t.Errorf("expected JobError for style.2 in chain, got %v", jobErr)
	}

	if run.State != pipeline.StateFailed {
		t.Errorf("expected failed, got %s", run.State)
	}
	if got := f.jobs.calledStage("test"); len(got) != 0 {
		t.Errorf("no test job may start after style failed, got %v", got)
	}
	if len(f.jobs.calledStage("style")) != 2 {
		t.Errorf("both style jobs should run, got %v", f.jobs.called())
	}
	if run.Stages[1].Outcome != pipeline.OutcomeSkipped {
		t.Errorf("test stage outcome = %q, want skipped", run.Stages[1].Outcome)
	}
	for _, j := range run.Stages[1].Jobs {
		if j.Outcome != pipeline.OutcomeSkipped {
			t.Errorf("%s outcome = %q, want skipped", j.JobID, j.Outcome)
		}
	}
	if run.Error == "" {
		t.Error("expected run error message")
	}
	if !strings.Contains(f.progress.String(), "stage test: skipped") {
		t.Errorf("progress = %q", f.progress.String())
	}
}

func TestRun_EarlierStageFailureSkipsAllLater(t *testing.T) {
	cfg := &config.PipelineConfig{
		Name:   "three",
		Stages: []config.StageRef{{Name: "a"}, {Name: "b"}, {Name: "c"}},
		Jobs: config.Jobs{Include: []config.Job{
			{Stage: "a", Script: []string{"x"}},
			{Stage: "b", Script: []string{"x"}},
			{Stage: "c", Script: []string{"x"}},
		}},
	}
	p, err := pipeline.Build(cfg)
	if err != nil {
		t.Fatal(err)
	}

	f := newFixture(t, "a.1")
	run, _ := f.driver.Run(context.Background(), p, pipeline.Trigger{})
	if got := f.jobs.called(); len(got) != 1 || got[0] != "a.1" {
		t.Errorf("only a.1 may run, got %v", got)
	}
	if run.StageIndex != 0 {
		t.Errorf("stage_index = %d, want 0", run.StageIndex)
	}
	if run.Stages[1].Outcome != pipeline.OutcomeSkipped || run.Stages[2].Outcome != pipeline.OutcomeSkipped {
		t.Errorf("later stages = %q %q", run.Stages[1].Outcome, run.Stages[2].Outcome)
	}
}

func TestRun_ZeroJobStagePasses(t *testing.T) {
	p, err := pipeline.Build(&config.PipelineConfig{Name: "empty", Stages: []config.StageRef{{Name: "test"}}})
	if err != nil {
		t.Fatal(err)
	}
	f := newFixture(t)
	run, err := f.driver.Run(context.Background(), p, pipeline.Trigger{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if run.State != pipeline.StateSucceeded {
		t.Errorf("expected succeeded, got %s", run.State)
	}
	if len(f.jobs.called()) != 0 {
		t.Errorf("expected no jobs, got %v", f.jobs.called())
	}
}

func TestRun_ReportsJobsAndPipeline(t *testing.T) {
	f := newFixture(t, "test.1")
	_, err := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{Commit: "c0ffee"})
	if err == nil {
		t.Fatal("expected failure")
	}
	if len(f.reporter.jobs) != 4 {
		t.Errorf("expected 4 job reports, got %v", f.reporter.jobs)
	}
	if len(f.reporter.pipelines) != 1 {
		t.Fatalf("expected 1 pipeline report, got %d", len(f.reporter.pipelines))
	}
	rep := f.reporter.pipelines[0]
	if rep.State != pipeline.StateFailed || rep.FailedStage != "test" {
		t.Errorf("report = %+v", rep)
	}
	if len(rep.FailedJobs) != 1 || rep.FailedJobs[0] != "test.1" {
		t.Errorf("failed jobs = %v", rep.FailedJobs)
	}
	if rep.Trigger.Commit != "c0ffee" {
		t.Errorf("trigger = %+v", rep.Trigger)
	}
}

func TestRun_ReporterErrorsDoNotChangeOutcome(t *testing.T) {
	f := newFixture(t)
	f.reporter.err = errors.New("webhook down")
	run, err := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{})
	if err != nil {
		t.Fatalf("reporter failure leaked into the run: %v", err)
	}
	if run.State != pipeline.StateSucceeded {
		t.Errorf("expected succeeded, got %s", run.State)
	}
}

func TestRun_WithoutDBOrReporter(t *testing.T) {
	jobs := &mockJobs{}
	d := NewDriver(pipeline.NewStore(t.TempDir()), nil, stage.NewCoordinator(jobs, 0, false), nil)
	run, err := d.Run(context.Background(), molerPipeline(t), pipeline.Trigger{})
	if err != nil {
		t.Fatal(err)
	}
	if run.State != pipeline.StateSucceeded {
		t.Errorf("expected succeeded, got %s", run.State)
	}
}

func TestRun_PersistsToStore(t *testing.T) {
	f := newFixture(t, "style.1")
	run, _ := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{Branch: "main"})

	saved, err := f.store.Get(run.ID)
	if err != nil {
		t.Fatalf("get run: %v", err)
	}
	if saved.State != pipeline.StateFailed {
		t.Errorf("saved state = %s", saved.State)
	}
	if saved.Trigger.Event != "manual" {
		t.Errorf("expected default event manual, got %q", saved.Trigger.Event)
	}
	if len(saved.Stages) != 2 {
		t.Errorf("saved stages = %d", len(saved.Stages))
	}
	if saved.Digest == "" {
		t.Error("expected pipeline digest")
	}
	wantLog := f.store.JobLogPath(run.ID, "style.1")
	if saved.Stages[0].Jobs[0].LogPath != wantLog {
		t.Errorf("log path = %q, want %q", saved.Stages[0].Jobs[0].LogPath, wantLog)
	}
}

func TestRun_PersistsToDB(t *testing.T) {
	f := newFixture(t, "style.2")
	run, _ := f.driver.Run(context.Background(), molerPipeline(t), pipeline.Trigger{Commit: "abc"})

	row, err := f.db.GetRun(run.ID)
	if err != nil || row == nil {
		t.Fatalf("get run row: %v %v", row, err)
	}
	if row.State != "failed" || row.Commit != "abc" || row.FinishedAt == "" {
		t.Errorf("run row = %+v", row)
	}

	jobs, _ := f.db.GetJobResults(run.ID)
	if len(jobs) != 2 {
		t.Errorf("expected 2 job rows (test never ran), got %d", len(jobs))
	}

	history, _ := f.db.GetPipelineHistory(run.ID)
	var events []string
	for _, e := range history {
		events = append(events, e.Event)
	}
	want := "created,started,stage_started,stage_failed,failed"
	if got := strings.Join(events, ","); got != want {
		t.Errorf("events = %s, want %s", got, want)
	}
}

func TestRun_CancelledContextFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f := newFixture(t)
	run, err := f.driver.Run(ctx, molerPipeline(t), pipeline.Trigger{})
	if err == nil {
		t.Fatal("expected cancelled run to fail")
	}
	if run.State != pipeline.StateFailed {
		t.Errorf("expected failed, got %s", run.State)
	}
	if len(f.jobs.calledStage("test")) != 0 {
		t.Errorf("test stage must not start, got %v", f.jobs.called())
	}

	if len(f.reporter.pipelines) != 1 {
		t.Fatalf("expected 1 pipeline report, got %d", len(f.reporter.pipelines))
	}
	if got := f.reporter.pipelines[0].State; got != pipeline.StateFailed {
		t.Errorf("reported state = %s, want failed", got)
	}
	for i, err := range f.reporter.ctxErrs {
		if err != nil {
			t.Errorf("report %d got a done context: %v", i, err)
		}
	}
}

// interruptingJobs cancels the run while its first job is executing, the way
// a signal or --timeout lands mid-step.
type interruptingJobs struct {
	cancel context.CancelFunc
}

func (m *interruptingJobs) Run(ctx context.Context, j *pipeline.Job, opts job.RunOpts) (*pipeline.JobResult, error) {
	m.cancel()
	<-ctx.Done()
	res := &pipeline.JobResult{JobID: j.ID(), Stage: j.Stage(), Name: j.Name(), Outcome: pipeline.OutcomeCancelled, ExitCode: -1}
	step := &pipeline.StepError{JobID: j.ID(), ExitCode: -1, Err: ctx.Err()}
	return res, &pipeline.JobError{JobID: j.ID(), Step: step}
}

func TestRun_InterruptedRunStillReports(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	f := newFixture(t)
	f.driver = NewDriver(f.store, f.db, stage.NewCoordinator(&interruptingJobs{cancel: cancel}, 1, false), f.reporter)

	run, err := f.driver.Run(ctx, molerPipeline(t), pipeline.Trigger{Commit: "abc"})
	if err == nil {
		t.Fatal("expected interrupted run to fail")
	}
	if run.State != pipeline.StateFailed {
		t.Errorf("expected failed, got %s", run.State)
	}

	if len(f.reporter.jobs) != 1 || f.reporter.jobs[0] != "style.1" {
		t.Errorf("expected the interrupted job to be reported, got %v", f.reporter.jobs)
	}
	if len(f.reporter.pipelines) != 1 || f.reporter.pipelines[0].State != pipeline.StateFailed {
		t.Fatalf("expected one failed pipeline report, got %+v", f.reporter.pipelines)
	}
	if len(f.reporter.ctxErrs) != 2 {
		t.Fatalf("expected 2 reporter calls, got %d", len(f.reporter.ctxErrs))
	}
	for i, err := range f.reporter.ctxErrs {
		if err != nil {
			t.Errorf("report %d got a done context: %v", i, err)
		}
	}
}

func TestRun_Deterministic(t *testing.T) {
	p := molerPipeline(t)

	type snapshot struct {
		state    pipeline.State
		stages   []string
		outcomes []pipeline.Outcome
	}
	take := func() snapshot {
		f := newFixture(t, "test.2")
		f.driver = NewDriver(f.store, f.db, stage.NewCoordinator(f.jobs, 0, false), nil)
		run, _ := f.driver.Run(context.Background(), p, pipeline.Trigger{})
		var s snapshot
		s.state = run.State
		for _, st := range run.Stages {
			s.stages = append(s.stages, st.Name)
			for _, j := range st.Jobs {
				s.outcomes = append(s.outcomes, j.Outcome)
			}
		}
		return s
	}

	first := take()
	for i := 0; i < 5; i++ {
		got := take()
		if got.state != first.state || strings.Join(got.stages, ",") != strings.Join(first.stages, ",") {
			t.Fatalf("run %d differs: %+v vs %+v", i, got, first)
		}
		for k := range got.outcomes {
			if got.outcomes[k] != first.outcomes[k] {
				t.Fatalf("run %d job %d: %q vs %q", i, k, got.outcomes[k], first.outcomes[k])
			}
		}
	}
}

func TestExecute_RejectsFinishedRun(t *testing.T) {
	f := newFixture(t)
	p := molerPipeline(t)
	run, err := f.driver.Run(context.Background(), p, pipeline.Trigger{})
	if err != nil {
		t.Fatal(err)
	}
	calls := len(f.jobs.called())

	_, err = f.driver.Execute(context.Background(), p, run)
	if !errors.Is(err, pipeline.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if len(f.jobs.called()) != calls {
		t.Error("a finished run must not execute jobs again")
	}
}
