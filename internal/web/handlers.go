package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lucasnoah/matrixci/internal/analytics"
	"github.com/lucasnoah/matrixci/internal/pipeline"
)

const defaultListLimit = 50

// runSummary is one entry of GET /runs.
type runSummary struct {
	ID          string           `json:"id"`
	Pipeline    string           `json:"pipeline"`
	Trigger     pipeline.Trigger `json:"trigger"`
	State       pipeline.State   `json:"state"`
	FailedStage string           `json:"failed_stage,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
	Age         string           `json:"age"`
	Duration    string           `json:"duration,omitempty"`
}

func summarize(run *pipeline.Run) runSummary {
	s := runSummary{
		ID:        run.ID,
		Pipeline:  run.Pipeline,
		Trigger:   run.Trigger,
		State:     run.State,
		CreatedAt: run.CreatedAt,
		Age:       relTime(run.CreatedAt),
		Duration:  fmtDuration(run.Duration()),
	}
	for _, st := range run.Stages {
		if st.Outcome == pipeline.OutcomeFailed {
			s.FailedStage = st.Name
			break
		}
	}
	return s
}

// eventView is the JSON form of a pipeline_events row.
type eventView struct {
	RunID     string `json:"run_id"`
	Event     string `json:"event"`
	Stage     string `json:"stage,omitempty"`
	Detail    string `json:"detail,omitempty"`
	Timestamp string `json:"timestamp"`
}

type triggerRequest struct {
	Commit string `json:"commit"`
	Branch string `json:"branch"`
	Event  string `json:"event"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	state := pipeline.State(r.URL.Query().Get("status"))
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.store.List(state)
	if err != nil {
		s.l.Error("list runs", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	if len(runs) > limit {
		runs = runs[:limit]
	}

	out := make([]runSummary, 0, len(runs))
	for i := range runs {
		out = append(out, summarize(&runs[i]))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.notFoundOr500(w, err, "run not found")
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleJobLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(id); err != nil {
		s.notFoundOr500(w, err, "run not found")
		return
	}
	data, err := s.store.ReadJobLog(id, chi.URLParam(r, "job"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			writeError(w, http.StatusNotFound, "no log for job")
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotImplemented, "history database disabled")
		return
	}
	id := chi.URLParam(r, "id")
	row, err := s.db.GetRun(id)
	if err != nil {
		s.l.Error("get run", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	if row == nil {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	events, err := s.db.GetPipelineHistory(id)
	if err != nil {
		s.l.Error("pipeline history", "run", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		out = append(out, eventView{RunID: e.RunID, Event: e.Event, Stage: e.Stage, Detail: e.Detail, Timestamp: e.Timestamp})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRecentEvents(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotImplemented, "history database disabled")
		return
	}
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := s.recentActivity(limit)
	if err != nil {
		s.l.Error("recent activity", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load events")
		return
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		writeError(w, http.StatusNotImplemented, "history database disabled")
		return
	}
	rates, err := analytics.QueryJobPassRates(s.db, r.URL.Query().Get("since"))
	if err != nil {
		s.l.Error("job pass rates", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	if rates == nil {
		rates = []analytics.JobPassRate{}
	}
	writeJSON(w, http.StatusOK, rates)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.driver == nil || s.load == nil {
		writeError(w, http.StatusMethodNotAllowed, "triggering is disabled")
		return
	}

	var req triggerRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.Event == "" {
		req.Event = "api"
	}

	p, err := s.load()
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}

	run, err := s.launch(r.Context(), p, pipeline.Trigger{Commit: req.Commit, Branch: req.Branch, Event: req.Event})
	if err != nil {
		s.l.Error("trigger run", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create run")
		return
	}
	w.Header().Set("Location", "/runs/"+run.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"id": run.ID, "state": string(run.State)})
}

func (s *Server) notFoundOr500(w http.ResponseWriter, err error, msg string) {
	if errors.Is(err, pipeline.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, msg)
		return
	}
	s.l.Error("load run", "error", err)
	writeError(w, http.StatusInternalServerError, "failed to load run")
}

func queryLimit(r *http.Request) (int, error) {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid limit %q", v)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// relTime formats t relative to now.
func relTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func fmtDuration(d time.Duration) string {
	if d == 0 {
		return ""
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	sec := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%dh%dm", h, m)
	}
	if m > 0 {
		return fmt.Sprintf("%dm%ds", m, sec)
	}
	return fmt.Sprintf("%ds", sec)
}
