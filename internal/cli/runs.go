package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/log"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect recorded runs",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		store := pipeline.NewStore(settings.RunsDir())
		runs, err := store.List(pipeline.State(status))
		if err != nil {
			return err
		}
		if limit > 0 && len(runs) > limit {
			runs = runs[:limit]
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			if runs == nil {
				runs = []pipeline.Run{}
			}
			data, _ := json.MarshalIndent(runs, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		if len(runs) == 0 {
			fmt.Fprintln(w, "No runs found.")
			return nil
		}

		fmt.Fprintf(w, "%-36s %-10s %-12s %-10s %-12s %s\n", "ID", "STATE", "PIPELINE", "EVENT", "COMMIT", "CREATED")
		fmt.Fprintf(w, "%-36s %-10s %-12s %-10s %-12s %s\n",
			strings.Repeat("-", 36),
			strings.Repeat("-", 10),
			strings.Repeat("-", 12),
			strings.Repeat("-", 10),
			strings.Repeat("-", 12),
			strings.Repeat("-", 7))
		for _, r := range runs {
			commit := r.Trigger.Commit
			if len(commit) > 12 {
				commit = commit[:12]
			}
			fmt.Fprintf(w, "%-36s %-10s %-12s %-10s %-12s %s\n",
				r.ID, r.State, r.Pipeline, r.Trigger.Event, commit, r.CreatedAt.Local().Format(time.DateTime))
		}
		return nil
	},
}

var runsShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show the stages and jobs of one run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(settings.RunsDir())
		run, err := store.Get(args[0])
		if err != nil {
			return err
		}

		w := cmd.OutOrStdout()
		format, _ := cmd.Flags().GetString("format")
		if format == "json" {
			data, _ := json.MarshalIndent(run, "", "  ")
			fmt.Fprintln(w, string(data))
			return nil
		}

		fmt.Fprintf(w, "pipeline: %s (digest %s)\n", run.Pipeline, shortDigest(run.Digest))
		fmt.Fprintf(w, "trigger:  event=%s commit=%s branch=%s\n", run.Trigger.Event, run.Trigger.Commit, run.Trigger.Branch)
		if run.Error != "" {
			fmt.Fprintf(w, "error:    %s\n", run.Error)
		}
		printSummary(w, run)
		return nil
	},
}

var runsLogCmd = &cobra.Command{
	Use:   "log <id> <job>",
	Short: "Print the output of one job",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(settings.RunsDir())
		if _, err := store.Get(args[0]); err != nil {
			return err
		}
		data, err := store.ReadJobLog(args[0], args[1])
		if err != nil {
			return fmt.Errorf("job %s: %w", args[1], err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <id>",
	Short: "Delete a run record, its logs and its history rows",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(settings.RunsDir())
		storeErr := store.Delete(args[0])

		database, err := openDB()
		if err != nil {
			return errors.Join(storeErr, err)
		}
		defer database.Close()
		if err := database.DeleteRun(args[0]); err != nil {
			return errors.Join(storeErr, err)
		}
		if storeErr != nil {
			return storeErr
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted run %s\n", args[0])
		return nil
	},
}

var runsAbandonCmd = &cobra.Command{
	Use:   "abandon <id>",
	Short: "Mark a run left pending or running by a killed process as failed",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store := pipeline.NewStore(settings.RunsDir())
		var was pipeline.State
		err := store.Update(args[0], func(r *pipeline.Run) {
			was = r.State
			if r.State.IsTerminal() {
				return
			}
			r.State = pipeline.StateFailed
			r.FinishedAt = time.Now().UTC()
			r.Error = "abandoned while " + string(was)
		})
		if err != nil {
			return err
		}
		if was.IsTerminal() {
			return fmt.Errorf("run %s is already %s", args[0], was)
		}

		run, err := store.Get(args[0])
		if err != nil {
			return err
		}
		if database, err := openDB(); err != nil {
			log.FromContext(cmd.Context()).Warn("history database unavailable", "error", err)
		} else {
			defer database.Close()
			if err := database.UpsertRun(run); err != nil {
				return err
			}
			if err := database.LogPipelineEvent(run.ID, "abandoned", "", string(was)); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "run %s: %s -> %s\n", run.ID, was, run.State)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "Filter by state (pending, running, succeeded, failed)")
	runsListCmd.Flags().Int("limit", 20, "Max runs to show (0 = all)")
	runsListCmd.Flags().String("format", "text", "Output format: text or json")
	runsShowCmd.Flags().String("format", "text", "Output format: text or json")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsLogCmd)
	runsCmd.AddCommand(runsDeleteCmd)
	runsCmd.AddCommand(runsAbandonCmd)
}
