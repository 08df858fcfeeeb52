package web

import (
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
)

// handleJobLogStream serves a Server-Sent Events stream of one job log.
// New output is sent as it is appended; when the run reaches a terminal
// state the remainder is flushed and a "done" event carries the state.
func (s *Server) handleJobLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	jobID := chi.URLParam(r, "job")
	if _, err := s.store.Get(id); err != nil {
		s.notFoundOr500(w, err, "run not found")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	var sent int
	flushNew := func() error {
		data, err := s.store.ReadJobLog(id, jobID)
		if err != nil {
			if os.IsNotExist(err) {
				return nil // job not started yet
			}
			return err
		}
		if len(data) <= sent {
			return nil
		}
		chunk := strings.TrimSuffix(string(data[sent:]), "\n")
		sent = len(data)
		for _, line := range strings.Split(chunk, "\n") {
			fmt.Fprintf(w, "data: %s\n", line)
		}
		fmt.Fprint(w, "\n")
		flusher.Flush()
		return nil
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	for {
		if err := flushNew(); err != nil {
			sendDone("error: " + err.Error())
			return
		}

		run, err := s.store.Get(id)
		if err != nil {
			sendDone("run not found")
			return
		}
		if run.State.IsTerminal() {
			if err := flushNew(); err != nil {
				sendDone("error: " + err.Error())
				return
			}
			sendDone(string(run.State))
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
