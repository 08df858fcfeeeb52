package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline to completion",
	Long: `Run every stage of the pipeline file in order. Jobs of a stage run
concurrently; the first failed stage stops the run and later stages are
recorded as skipped.

Exits non-zero when the pipeline fails.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		workDir, _ := cmd.Flags().GetString("workdir")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		parallelism, _ := cmd.Flags().GetInt("parallelism")
		if !cmd.Flags().Changed("parallelism") {
			parallelism = -1
		}

		workDir, err := filepath.Abs(workDir)
		if err != nil {
			return fmt.Errorf("workdir: %w", err)
		}

		p, path, err := loadPipeline(file, workDir)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		if timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}

		out := cmd.OutOrStdout()
		quiet, _ := cmd.Flags().GetBool("quiet")
		var progress io.Writer = out
		if quiet {
			progress = nil
		}

		webhook, _ := cmd.Flags().GetString("webhook")
		notify, _ := cmd.Flags().GetString("notify-cmd")
		status, _ := cmd.Flags().GetBool("github-status")
		d, _, _, cleanup := newDriver(ctx, p, driverOpts{
			workDir:     workDir,
			parallelism: parallelism,
			webhook:     webhook,
			notifyCmd:   notify,
			status:      status,
			progress:    progress,
		})
		defer cleanup()

		trigger := pipeline.Trigger{}
		trigger.Commit, _ = cmd.Flags().GetString("commit")
		trigger.Branch, _ = cmd.Flags().GetString("branch")
		trigger.Event, _ = cmd.Flags().GetString("event")
		if detect, _ := cmd.Flags().GetBool("detect-revision"); detect {
			detectRevision(workDir, &trigger)
		}

		log.FromContext(ctx).Debug("running pipeline", "file", path, "workdir", workDir)
		run, runErr := d.Run(ctx, p, trigger)
		if run == nil {
			return runErr
		}
		printSummary(out, run)
		return runErr
	},
}

// printSummary writes one line per stage and job of a finished run.
func printSummary(w io.Writer, run *pipeline.Run) {
	fmt.Fprintf(w, "\nrun %s: %s\n", run.ID, run.State)
	for _, st := range run.Stages {
		fmt.Fprintf(w, "  %-12s %s\n", st.Name, st.Outcome)
		for _, j := range st.Jobs {
			line := fmt.Sprintf("    %-12s %-9s %s", j.JobID, j.Outcome, j.Name)
			if j.FailedStep != nil {
				line += fmt.Sprintf("  (%s[%d] exit %d: %s)", j.FailedStep.Phase, j.FailedStep.Index, j.ExitCode, j.FailedStep.Command)
			}
			fmt.Fprintln(w, line)
			for _, warn := range j.Warnings {
				fmt.Fprintf(w, "      warning: %s\n", warn)
			}
		}
	}
	if d := run.Duration(); d > 0 {
		fmt.Fprintf(w, "finished in %s\n", d.Round(time.Millisecond))
	}
}

func init() {
	runCmd.Flags().StringP("file", "f", "", "Pipeline file (default: $MATRIXCI_PIPELINE_FILE or .matrixci.yml in --workdir)")
	runCmd.Flags().String("commit", "", "Commit SHA being built")
	runCmd.Flags().String("branch", "", "Branch being built")
	runCmd.Flags().String("event", "manual", "Trigger event (push, pull_request, manual, ...)")
	runCmd.Flags().String("workdir", ".", "Directory the steps run in")
	runCmd.Flags().Duration("timeout", 0, "Cancel the run after this long (0 = no limit)")
	runCmd.Flags().Int("parallelism", 0, "Max concurrent jobs per stage, 0 = unlimited (default: pipeline setting)")
	runCmd.Flags().String("webhook", "", "POST job and pipeline status to this URL")
	runCmd.Flags().String("notify-cmd", "", "Shell command run with MATRIXCI_STATUS etc. after each job and the run")
	runCmd.Flags().Bool("github-status", false, "Publish job and run results as GitHub commit statuses (needs gh)")
	runCmd.Flags().Bool("detect-revision", true, "Fill --commit and --branch from the git checkout in --workdir")
	runCmd.Flags().BoolP("quiet", "q", false, "Only print the final summary")
}
