package cli

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/lucasnoah/matrixci/internal/analytics"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Query run history statistics",
}

var statsStageDurationCmd = &cobra.Command{
	Use:   "stage-duration",
	Short: "Average and percentile durations per stage",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStats(cmd, func(db analytics.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryStageDurations(db, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-16s %6s %9s %9s %9s\n", "STAGE", "RUNS", "AVG(s)", "P50(s)", "P95(s)")
				for _, r := range rows {
					fmt.Fprintf(w, "%-16s %6d %9.1f %9.1f %9.1f\n", r.Stage, r.Count, r.Avg, r.P50, r.P95)
				}
			}, err
		})
	},
}

var statsJobPassRateCmd = &cobra.Command{
	Use:   "job-pass-rate",
	Short: "Pass, fail and cancel rates per job, worst first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStats(cmd, func(db analytics.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryJobPassRates(db, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-12s %-20s %6s %8s %8s %8s %s\n", "JOB", "NAME", "RUNS", "PASS%", "FAIL%", "CANCEL%", "TOP FAILING STEP")
				for _, r := range rows {
					fmt.Fprintf(w, "%-12s %-20s %6d %8.1f %8.1f %8.1f %s\n", r.JobID, r.Name, r.Total, r.Passed, r.Failed, r.Cancelled, r.TopStep)
				}
			}, err
		})
	},
}

var statsThroughputCmd = &cobra.Command{
	Use:   "throughput",
	Short: "Runs created, succeeded and failed per week",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withStats(cmd, func(db analytics.DB, since string) (any, func(io.Writer), error) {
			rows, err := analytics.QueryRunThroughput(db, since)
			return rows, func(w io.Writer) {
				fmt.Fprintf(w, "%-10s %8s %10s %7s %9s\n", "WEEK", "CREATED", "SUCCEEDED", "FAILED", "AVG(min)")
				for _, r := range rows {
					fmt.Fprintf(w, "%-10s %8d %10d %7d %9.1f\n", r.Period, r.Created, r.Succeeded, r.Failed, r.AvgDuration)
				}
			}, err
		})
	},
}

// withStats opens the history database, runs query and prints the result as
// a table or as JSON.
func withStats(cmd *cobra.Command, query func(analytics.DB, string) (any, func(io.Writer), error)) error {
	database, err := openDB()
	if err != nil {
		return err
	}
	defer database.Close()

	since, _ := cmd.Flags().GetString("since")
	rows, table, err := query(database, since)
	if err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	if format, _ := cmd.Flags().GetString("format"); format == "json" {
		data, _ := json.MarshalIndent(rows, "", "  ")
		fmt.Fprintln(w, string(data))
		return nil
	}
	table(w)
	return nil
}

func init() {
	statsCmd.PersistentFlags().String("since", "", "Only include history after this timestamp (YYYY-MM-DD[ HH:MM:SS])")
	statsCmd.PersistentFlags().String("format", "text", "Output format: text or json")

	statsCmd.AddCommand(statsStageDurationCmd)
	statsCmd.AddCommand(statsJobPassRateCmd)
	statsCmd.AddCommand(statsThroughputCmd)
}
