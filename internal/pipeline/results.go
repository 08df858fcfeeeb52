package pipeline

import "time"

// Trigger describes the event that instantiated a run.
type Trigger struct {
	Commit string `json:"commit,omitempty"`
	Branch string `json:"branch,omitempty"`
	Event  string `json:"event"` // "push", "pull_request", "manual", ...
}

// StepResult records one executed (or skipped) step.
type StepResult struct {
	Phase      Phase     `json:"phase"`
	Index      int       `json:"index"`
	Command    string    `json:"command"`
	Outcome    Outcome   `json:"outcome"`
	ExitCode   int       `json:"exit_code"`
	Error      string    `json:"error,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	OutputTail string    `json:"output_tail,omitempty"`
}

// JobResult is the outcome of one job.
type JobResult struct {
	JobID      string       `json:"job_id"`
	Stage      string       `json:"stage"`
	Name       string       `json:"name"`
	Language   string       `json:"language,omitempty"`
	Version    string       `json:"version,omitempty"`
	Outcome    Outcome      `json:"outcome"`
	ExitCode   int          `json:"exit_code"`
	FailedStep *Step        `json:"failed_step,omitempty"`
	Steps      []StepResult `json:"steps"`
	Warnings   []string     `json:"warnings,omitempty"`
	LogPath    string       `json:"log_path,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
}

func (r *JobResult) Passed() bool { return r.Outcome == OutcomePassed }

// StageResult aggregates the jobs of one stage, in job order.
type StageResult struct {
	Name       string      `json:"name"`
	Rank       int         `json:"rank"`
	Outcome    Outcome     `json:"outcome"`
	Jobs       []JobResult `json:"jobs"`
	FailedJobs []string    `json:"failed_jobs,omitempty"`
	StartedAt  time.Time   `json:"started_at"`
	FinishedAt time.Time   `json:"finished_at"`
}

func (r *StageResult) Passed() bool { return r.Outcome == OutcomePassed }

// Run is the persisted record of one pipeline execution.
type Run struct {
	ID         string        `json:"id"`
	Pipeline   string        `json:"pipeline"`
	Digest     string        `json:"digest"`
	Trigger    Trigger       `json:"trigger"`
	State      State         `json:"state"`
	StageIndex int           `json:"stage_index"`
	Stages     []StageResult `json:"stages"`
	Error      string        `json:"error,omitempty"`
	CreatedAt  time.Time     `json:"created_at"`
	StartedAt  time.Time     `json:"started_at,omitzero"`
	FinishedAt time.Time     `json:"finished_at,omitzero"`
}

// Duration is the wall time of a finished run, or zero.
func (r *Run) Duration() time.Duration {
	if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
		return 0
	}
	return r.FinishedAt.Sub(r.StartedAt)
}
