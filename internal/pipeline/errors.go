package pipeline

import (
	"fmt"
	"strings"
)

// StepError is a single command's non-zero exit (or failure to run).
type StepError struct {
	JobID    string
	Step     Step
	ExitCode int
	Err      error // set when the command could not be run or was cancelled
}

func (e *StepError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("job %s: %s[%d] %q: %v", e.JobID, e.Step.Phase, e.Step.Index, e.Step.Command, e.Err)
	}
	return fmt.Sprintf("job %s: %s[%d] %q exited %d", e.JobID, e.Step.Phase, e.Step.Index, e.Step.Command, e.ExitCode)
}

func (e *StepError) Unwrap() error { return e.Err }

// JobError is propagated from the first failing step of a job.
type JobError struct {
	JobID string
	Step  *StepError
}

func (e *JobError) Error() string {
	return fmt.Sprintf("job %s failed: %v", e.JobID, e.Step)
}

func (e *JobError) Unwrap() error { return e.Step }

// StageError lists the failed jobs of a stage, in job order.
type StageError struct {
	Stage  string
	Failed []string
	Jobs   []*JobError
}

func (e *StageError) Error() string {
	return fmt.Sprintf("stage %s failed: jobs %s", e.Stage, strings.Join(e.Failed, ", "))
}

func (e *StageError) Unwrap() []error {
	errs := make([]error, len(e.Jobs))
	for i, j := range e.Jobs {
		errs[i] = j
	}
	return errs
}

// PipelineError wraps the stage failure that ended the run.
type PipelineError struct {
	Pipeline string
	Stage    *StageError
}

func (e *PipelineError) Error() string {
	return fmt.Sprintf("pipeline %s failed: %v", e.Pipeline, e.Stage)
}

func (e *PipelineError) Unwrap() error { return e.Stage }
