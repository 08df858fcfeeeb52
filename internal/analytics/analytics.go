// Package analytics aggregates the run history for the stats commands.
package analytics

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
)

// DB is the interface for database queries used by analytics.
type DB interface {
	Conn() *sql.DB
}

// StageDuration holds duration stats for a stage.
type StageDuration struct {
	Stage string  `json:"stage"`
	Count int     `json:"count"`
	Avg   float64 `json:"avg_seconds"`
	P50   float64 `json:"p50_seconds"`
	P95   float64 `json:"p95_seconds"`
}

// QueryStageDurations returns average and percentile durations per stage.
// Skipped stages never ran and are excluded.
func QueryStageDurations(database DB, since string) ([]StageDuration, error) {
	query := `
		SELECT stage, duration_ms
		FROM stage_results
		WHERE outcome != 'skipped'`

	args := []any{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query stage durations: %w", err)
	}
	defer rows.Close()

	stageDurations := make(map[string][]float64)
	for rows.Next() {
		var stage string
		var ms sql.NullInt64
		if err := rows.Scan(&stage, &ms); err != nil {
			return nil, fmt.Errorf("scan stage duration: %w", err)
		}
		stageDurations[stage] = append(stageDurations[stage], float64(ms.Int64)/1000)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var results []StageDuration
	for stage, durations := range stageDurations {
		sort.Float64s(durations)
		results = append(results, StageDuration{
			Stage: stage,
			Count: len(durations),
			Avg:   avg(durations),
			P50:   percentile(durations, 50),
			P95:   percentile(durations, 95),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		return results[i].Stage < results[j].Stage
	})
	return results, nil
}

// JobPassRate holds outcome stats for one job id across runs.
type JobPassRate struct {
	JobID     string  `json:"job_id"`
	Name      string  `json:"name"`
	Total     int     `json:"total"`
	Passed    float64 `json:"passed_pct"`
	Failed    float64 `json:"failed_pct"`
	Cancelled float64 `json:"cancelled_pct"`
	// TopStep is the phase[index] that failed most often, if any.
	TopStep string `json:"top_failing_step,omitempty"`
}

// QueryJobPassRates returns per-job outcome rates, worst pass rate first.
// Skipped jobs are excluded from the denominator.
func QueryJobPassRates(database DB, since string) ([]JobPassRate, error) {
	query := `
		SELECT job_id, MAX(name),
			COUNT(*) as total,
			SUM(CASE WHEN outcome = 'passed' THEN 1 ELSE 0 END) as passed,
			SUM(CASE WHEN outcome = 'failed' THEN 1 ELSE 0 END) as failed,
			SUM(CASE WHEN outcome = 'cancelled' THEN 1 ELSE 0 END) as cancelled
		FROM job_results
		WHERE outcome != 'skipped'`

	args := []any{}
	if since != "" {
		query += ` AND timestamp >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY job_id`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query job pass rates: %w", err)
	}
	defer rows.Close()

	var results []JobPassRate
	for rows.Next() {
		var r JobPassRate
		var passed, failed, cancelled int
		if err := rows.Scan(&r.JobID, &r.Name, &r.Total, &passed, &failed, &cancelled); err != nil {
			return nil, fmt.Errorf("scan job pass rate: %w", err)
		}
		r.Passed = pct(passed, r.Total)
		r.Failed = pct(failed, r.Total)
		r.Cancelled = pct(cancelled, r.Total)
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i := range results {
		stepQuery := `
			SELECT failed_phase, failed_index, COUNT(*) as cnt
			FROM job_results
			WHERE job_id = ? AND outcome = 'failed' AND failed_phase IS NOT NULL`
		sArgs := []any{results[i].JobID}
		if since != "" {
			stepQuery += ` AND timestamp >= ?`
			sArgs = append(sArgs, since)
		}
		stepQuery += ` GROUP BY failed_phase, failed_index ORDER BY cnt DESC LIMIT 1`

		var phase string
		var index, cnt int
		err := database.Conn().QueryRow(stepQuery, sArgs...).Scan(&phase, &index, &cnt)
		if err == nil {
			results[i].TopStep = fmt.Sprintf("%s[%d]", phase, index)
		}
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Passed != results[j].Passed {
			return results[i].Passed < results[j].Passed
		}
		return results[i].JobID < results[j].JobID
	})
	return results, nil
}

// RunThroughput holds run counts for a time period.
type RunThroughput struct {
	Period      string  `json:"period"`
	Created     int     `json:"created"`
	Succeeded   int     `json:"succeeded"`
	Failed      int     `json:"failed"`
	AvgDuration float64 `json:"avg_duration_minutes"`
}

// QueryRunThroughput returns run metrics grouped by week, newest first.
func QueryRunThroughput(database DB, since string) ([]RunThroughput, error) {
	query := `
		SELECT
			strftime('%Y-W%W', created_at) as period,
			COUNT(*) as created,
			SUM(CASE WHEN state = 'succeeded' THEN 1 ELSE 0 END) as succeeded,
			SUM(CASE WHEN state = 'failed' THEN 1 ELSE 0 END) as failed,
			AVG(CASE WHEN finished_at IS NOT NULL AND started_at IS NOT NULL
				THEN (julianday(finished_at) - julianday(started_at)) * 1440 END) as avg_minutes
		FROM runs`

	args := []any{}
	if since != "" {
		query += ` WHERE created_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY period ORDER BY period DESC LIMIT 10`

	rows, err := database.Conn().Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query run throughput: %w", err)
	}
	defer rows.Close()

	var results []RunThroughput
	for rows.Next() {
		var rt RunThroughput
		var avgMinutes sql.NullFloat64
		if err := rows.Scan(&rt.Period, &rt.Created, &rt.Succeeded, &rt.Failed, &avgMinutes); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		if avgMinutes.Valid {
			rt.AvgDuration = math.Round(avgMinutes.Float64*10) / 10
		}
		results = append(results, rt)
	}
	return results, rows.Err()
}

func avg(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return math.Round(sum/float64(len(values))*10) / 10
}

func percentile(sorted []float64, p int) float64 {
	if len(sorted) == 0 {
		return 0
	}
	rank := float64(p) / 100.0 * float64(len(sorted)-1)
	lower := int(math.Floor(rank))
	upper := int(math.Ceil(rank))
	if lower == upper || upper >= len(sorted) {
		return math.Round(sorted[lower]*10) / 10
	}
	weight := rank - float64(lower)
	return math.Round((sorted[lower]*(1-weight)+sorted[upper]*weight)*10) / 10
}

func pct(n, total int) float64 {
	if total == 0 {
		return 0
	}
	return math.Round(float64(n)/float64(total)*1000) / 10
}
