package web

import (
	"database/sql"
	"fmt"
)

// recentActivity returns the most recent pipeline events across all runs.
func (s *Server) recentActivity(limit int) ([]eventView, error) {
	rows, err := s.db.Conn().Query(
		`SELECT run_id, event, stage, detail, timestamp
		 FROM pipeline_events ORDER BY id DESC LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("recent activity: %w", err)
	}
	defer rows.Close()

	events := []eventView{}
	for rows.Next() {
		var e eventView
		var stage, detail sql.NullString
		if err := rows.Scan(&e.RunID, &e.Event, &stage, &detail, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Stage = stage.String
		e.Detail = detail.String
		events = append(events, e)
	}
	return events, rows.Err()
}
