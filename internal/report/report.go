// Package report delivers job and pipeline terminal status to external
// sinks. Reporter errors never change a run's outcome.
package report

import (
	"context"
	"errors"
	"time"

	"github.com/lucasnoah/matrixci/internal/pipeline"
)

// Reporter receives terminal status events from the pipeline driver.
// Implementations must be safe for use by one run at a time.
type Reporter interface {
	JobFinished(ctx context.Context, r JobReport) error
	PipelineFinished(ctx context.Context, r PipelineReport) error
}

// JobReport is emitted once per job that was invoked.
type JobReport struct {
	RunID    string             `json:"run_id"`
	Pipeline string             `json:"pipeline"`
	Trigger  pipeline.Trigger   `json:"trigger"`
	Job      pipeline.JobResult `json:"job"`
}

// PipelineReport is emitted once when a run reaches a terminal state.
type PipelineReport struct {
	RunID       string                 `json:"run_id"`
	Pipeline    string                 `json:"pipeline"`
	Trigger     pipeline.Trigger       `json:"trigger"`
	State       pipeline.State         `json:"state"`
	FailedStage string                 `json:"failed_stage,omitempty"`
	FailedJobs  []string               `json:"failed_jobs,omitempty"`
	Stages      []pipeline.StageResult `json:"stages"`
	Error       string                 `json:"error,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	FinishedAt  time.Time              `json:"finished_at"`
}

// Succeeded reports whether the run passed every stage.
func (r PipelineReport) Succeeded() bool { return r.State == pipeline.StateSucceeded }

// Multi fans an event out to every reporter and joins their errors.
type Multi []Reporter

func (m Multi) JobFinished(ctx context.Context, r JobReport) error {
	var errs []error
	for _, rep := range m {
		if err := rep.JobFinished(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) PipelineFinished(ctx context.Context, r PipelineReport) error {
	var errs []error
	for _, rep := range m {
		if err := rep.PipelineFinished(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
