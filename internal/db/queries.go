package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lucasnoah/matrixci/internal/pipeline"
)

// TimeFormat is how timestamps are stored; it matches SQLite's datetime().
const TimeFormat = "2006-01-02 15:04:05"

// RunRow represents a row in the runs table.
type RunRow struct {
	ID         string
	Pipeline   string
	Digest     string
	Commit     string
	Branch     string
	Event      string
	State      string
	StageIndex int
	Error      string
	CreatedAt  string
	StartedAt  string
	FinishedAt string
}

// JobRow represents a row in the job_results table.
type JobRow struct {
	ID          int
	RunID       string
	JobID       string
	Stage       string
	Name        string
	Outcome     string
	ExitCode    int
	FailedPhase string
	FailedIndex *int
	DurationMs  int64
	Warnings    string
	Timestamp   string
}

// StepRow represents a row in the step_results table.
type StepRow struct {
	ID         int
	Phase      string
	Index      int
	Command    string
	Outcome    string
	ExitCode   int
	DurationMs int64
}

// PipelineEvent represents a row in the pipeline_events table.
type PipelineEvent struct {
	ID        int
	RunID     string
	Event     string
	Stage     string
	Detail    string
	Timestamp string
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(TimeFormat), Valid: true}
}

// UpsertRun inserts a run or updates its mutable columns.
func (d *DB) UpsertRun(run *pipeline.Run) error {
	_, err := d.conn.Exec(
		`INSERT INTO runs (id, pipeline, digest, commit_sha, branch, event, state, stage_index, error, created_at, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
		   state = excluded.state,
		   stage_index = excluded.stage_index,
		   error = excluded.error,
		   started_at = excluded.started_at,
		   finished_at = excluded.finished_at`,
		run.ID, run.Pipeline, run.Digest, run.Trigger.Commit, run.Trigger.Branch, run.Trigger.Event,
		string(run.State), run.StageIndex, run.Error,
		run.CreatedAt.UTC().Format(TimeFormat), nullTime(run.StartedAt), nullTime(run.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert run: %w", err)
	}
	return nil
}

// LogStageResult inserts the outcome of one stage.
func (d *DB) LogStageResult(runID string, s *pipeline.StageResult) error {
	_, err := d.conn.Exec(
		`INSERT INTO stage_results (run_id, stage, rank, outcome, failed_jobs, duration_ms) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, s.Name, s.Rank, string(s.Outcome), strings.Join(s.FailedJobs, ","), durationMs(s.StartedAt, s.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("log stage result: %w", err)
	}
	return nil
}

// LogJobResult inserts a job result together with its steps.
func (d *DB) LogJobResult(runID string, j *pipeline.JobResult) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var failedPhase sql.NullString
	var failedIndex sql.NullInt64
	if j.FailedStep != nil {
		failedPhase = sql.NullString{String: string(j.FailedStep.Phase), Valid: true}
		failedIndex = sql.NullInt64{Int64: int64(j.FailedStep.Index), Valid: true}
	}

	res, err := tx.Exec(
		`INSERT INTO job_results (run_id, job_id, stage, name, outcome, exit_code, failed_phase, failed_index, duration_ms, warnings)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, j.JobID, j.Stage, j.Name, string(j.Outcome), j.ExitCode, failedPhase, failedIndex,
		durationMs(j.StartedAt, j.FinishedAt), strings.Join(j.Warnings, "\n"),
	)
	if err != nil {
		return fmt.Errorf("log job result: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("job result id: %w", err)
	}

	for _, s := range j.Steps {
		if _, err := tx.Exec(
			`INSERT INTO step_results (job_result_id, phase, step_index, command, outcome, exit_code, duration_ms) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, string(s.Phase), s.Index, s.Command, string(s.Outcome), s.ExitCode, s.DurationMs,
		); err != nil {
			return fmt.Errorf("log step result: %w", err)
		}
	}
	return tx.Commit()
}

// LogPipelineEvent inserts a pipeline event.
func (d *DB) LogPipelineEvent(runID string, event string, stage string, detail string) error {
	_, err := d.conn.Exec(
		`INSERT INTO pipeline_events (run_id, event, stage, detail) VALUES (?, ?, ?, ?)`,
		runID, event, stage, detail,
	)
	if err != nil {
		return fmt.Errorf("log pipeline event: %w", err)
	}
	return nil
}

const runColumns = `id, pipeline, digest, commit_sha, branch, event, state, stage_index, error, created_at, started_at, finished_at`

func scanRun(scan func(...any) error) (*RunRow, error) {
	var r RunRow
	var commit, branch, errText, started, finished sql.NullString
	if err := scan(&r.ID, &r.Pipeline, &r.Digest, &commit, &branch, &r.Event, &r.State, &r.StageIndex,
		&errText, &r.CreatedAt, &started, &finished); err != nil {
		return nil, err
	}
	r.Commit = commit.String
	r.Branch = branch.String
	r.Error = errText.String
	r.StartedAt = started.String
	r.FinishedAt = finished.String
	return &r, nil
}

// GetRun returns a run by id, or nil if it does not exist.
func (d *DB) GetRun(id string) (*RunRow, error) {
	row := d.conn.QueryRow(`SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	r, err := scanRun(row.Scan)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns runs newest first, optionally filtered by state. A limit
// of 0 returns every run.
func (d *DB) ListRuns(state string, limit int) ([]RunRow, error) {
	query := `SELECT ` + runColumns + ` FROM runs`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC, rowid DESC`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRow
	for rows.Next() {
		r, err := scanRun(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// GetJobResults returns the job results of a run in job order.
func (d *DB) GetJobResults(runID string) ([]JobRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, job_id, stage, name, outcome, exit_code, failed_phase, failed_index, duration_ms, warnings, timestamp
		 FROM job_results WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get job results: %w", err)
	}
	defer rows.Close()

	var jobs []JobRow
	for rows.Next() {
		var j JobRow
		var exitCode, failedIndex, duration sql.NullInt64
		var failedPhase, warnings sql.NullString
		if err := rows.Scan(&j.ID, &j.RunID, &j.JobID, &j.Stage, &j.Name, &j.Outcome, &exitCode,
			&failedPhase, &failedIndex, &duration, &warnings, &j.Timestamp); err != nil {
			return nil, fmt.Errorf("scan job result: %w", err)
		}
		j.ExitCode = int(exitCode.Int64)
		j.FailedPhase = failedPhase.String
		if failedIndex.Valid {
			v := int(failedIndex.Int64)
			j.FailedIndex = &v
		}
		j.DurationMs = duration.Int64
		j.Warnings = warnings.String
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetStepResults returns the steps recorded for one job result row.
func (d *DB) GetStepResults(jobResultID int) ([]StepRow, error) {
	rows, err := d.conn.Query(
		`SELECT id, phase, step_index, command, outcome, exit_code, duration_ms
		 FROM step_results WHERE job_result_id = ? ORDER BY id`,
		jobResultID,
	)
	if err != nil {
		return nil, fmt.Errorf("get step results: %w", err)
	}
	defer rows.Close()

	var steps []StepRow
	for rows.Next() {
		var s StepRow
		var exitCode, duration sql.NullInt64
		if err := rows.Scan(&s.ID, &s.Phase, &s.Index, &s.Command, &s.Outcome, &exitCode, &duration); err != nil {
			return nil, fmt.Errorf("scan step result: %w", err)
		}
		s.ExitCode = int(exitCode.Int64)
		s.DurationMs = duration.Int64
		steps = append(steps, s)
	}
	return steps, rows.Err()
}

// GetPipelineHistory returns all events of a run, oldest first.
func (d *DB) GetPipelineHistory(runID string) ([]PipelineEvent, error) {
	rows, err := d.conn.Query(
		`SELECT id, run_id, event, stage, detail, timestamp
		 FROM pipeline_events WHERE run_id = ? ORDER BY id`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("get pipeline history: %w", err)
	}
	defer rows.Close()

	var events []PipelineEvent
	for rows.Next() {
		var e PipelineEvent
		var stage, detail sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pipeline event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}

// DeleteRun removes a run and, through cascading keys, its results.
func (d *DB) DeleteRun(id string) error {
	if _, err := d.conn.Exec(`DELETE FROM runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if _, err := d.conn.Exec(`DELETE FROM pipeline_events WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run events: %w", err)
	}
	return nil
}

func durationMs(start, end time.Time) int64 {
	if start.IsZero() || end.IsZero() {
		return 0
	}
	return end.Sub(start).Milliseconds()
}
