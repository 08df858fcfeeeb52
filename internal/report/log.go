package report

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/lucasnoah/matrixci/internal/log"
)

// LogReporter writes one structured line per event. With a nil Logger it
// uses the logger carried by the context.
type LogReporter struct {
	Logger *slog.Logger
}

func (l *LogReporter) logger(ctx context.Context) *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return log.FromContext(ctx)
}

func (l *LogReporter) JobFinished(ctx context.Context, r JobReport) error {
	attrs := []any{
		"run", r.RunID,
		"job", r.Job.JobID,
		"name", r.Job.Name,
		"outcome", r.Job.Outcome,
		"exit_code", r.Job.ExitCode,
	}
	if r.Job.FailedStep != nil {
		attrs = append(attrs, "failed_step", string(r.Job.FailedStep.Phase)+"["+strconv.Itoa(r.Job.FailedStep.Index)+"]")
	}
	if len(r.Job.Warnings) > 0 {
		attrs = append(attrs, "warnings", len(r.Job.Warnings))
	}
	l.logger(ctx).Info("job finished", attrs...)
	return nil
}

func (l *LogReporter) PipelineFinished(ctx context.Context, r PipelineReport) error {
	attrs := []any{
		"run", r.RunID,
		"pipeline", r.Pipeline,
		"state", r.State,
		"duration", r.FinishedAt.Sub(r.StartedAt).Round(time.Millisecond),
	}
	if r.FailedStage != "" {
		attrs = append(attrs, "failed_stage", r.FailedStage, "failed_jobs", r.FailedJobs)
	}
	if r.Succeeded() {
		l.logger(ctx).Info("pipeline finished", attrs...)
	} else {
		l.logger(ctx).Warn("pipeline finished", attrs...)
	}
	return nil
}
