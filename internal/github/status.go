package github

import (
	"context"
	"fmt"
	"time"

	"github.com/lucasnoah/matrixci/internal/pipeline"
	"github.com/lucasnoah/matrixci/internal/report"
)

// DefaultContext prefixes every status this package publishes.
const DefaultContext = "matrixci"

// StatusReporter publishes one commit status per job and one for the whole
// run. Skipped jobs are not published. Runs without a commit are ignored.
type StatusReporter struct {
	Client  *Client
	Context string // defaults to DefaultContext
}

func NewStatusReporter(client *Client) *StatusReporter {
	return &StatusReporter{Client: client}
}

func (r *StatusReporter) statusContext() string {
	if r.Context == "" {
		return DefaultContext
	}
	return r.Context
}

func (r *StatusReporter) JobFinished(ctx context.Context, rep report.JobReport) error {
	if rep.Trigger.Commit == "" {
		return nil
	}
	state, ok := jobState(rep.Job.Outcome)
	if !ok {
		return nil
	}

	desc := fmt.Sprintf("%s %s", rep.Job.Name, rep.Job.Outcome)
	if rep.Job.FailedStep != nil {
		desc = fmt.Sprintf("%s: %s[%d] exited %d", rep.Job.Name, rep.Job.FailedStep.Phase, rep.Job.FailedStep.Index, rep.Job.ExitCode)
	}
	_, err := r.Client.SetStatus(ctx, rep.Trigger.Commit, Status{
		State:       state,
		Context:     r.statusContext() + "/" + rep.Job.JobID,
		Description: desc,
	})
	return err
}

func (r *StatusReporter) PipelineFinished(ctx context.Context, rep report.PipelineReport) error {
	if rep.Trigger.Commit == "" {
		return nil
	}

	state := StateSuccess
	desc := fmt.Sprintf("%s passed in %s", rep.Pipeline, rep.FinishedAt.Sub(rep.StartedAt).Round(time.Second))
	if !rep.Succeeded() {
		state = StateFailure
		desc = fmt.Sprintf("%s failed at stage %s", rep.Pipeline, rep.FailedStage)
		if rep.FailedStage == "" {
			state = StateError
			desc = fmt.Sprintf("%s: %s", rep.Pipeline, rep.Error)
		}
	}
	_, err := r.Client.SetStatus(ctx, rep.Trigger.Commit, Status{
		State:       state,
		Context:     r.statusContext(),
		Description: desc,
	})
	return err
}

func jobState(o pipeline.Outcome) (string, bool) {
	switch o {
	case pipeline.OutcomePassed:
		return StateSuccess, true
	case pipeline.OutcomeFailed:
		return StateFailure, true
	case pipeline.OutcomeCancelled:
		return StateError, true
	}
	return "", false
}

var _ report.Reporter = (*StatusReporter)(nil)
