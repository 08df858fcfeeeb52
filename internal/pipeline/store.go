package pipeline

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRunNotFound is returned for unknown or malformed run ids.
var ErrRunNotFound = errors.New("run not found")

// Store keeps run records and job logs on disk:
//
//	<base>/<run-id>/run.json
//	<base>/<run-id>/logs/<job-id>.log
type Store struct {
	baseDir string
	mu      sync.Mutex // serializes read-modify-write of run.json
}

// NewStore creates a Store rooted at baseDir.
func NewStore(baseDir string) *Store {
	return &Store{baseDir: baseDir}
}

// BaseDir returns the store's root directory.
func (s *Store) BaseDir() string {
	return s.baseDir
}

func (s *Store) runDir(id string) string {
	return filepath.Join(s.baseDir, id)
}

func (s *Store) runPath(id string) string {
	return filepath.Join(s.runDir(id), "run.json")
}

// JobLogPath returns where the combined output of a job is written.
func (s *Store) JobLogPath(runID, jobID string) string {
	return filepath.Join(s.runDir(runID), "logs", jobID+".log")
}

// Create allocates a run id and writes a pending run record for p.
func (s *Store) Create(p *Pipeline, trigger Trigger) (*Run, error) {
	if trigger.Event == "" {
		trigger.Event = "manual"
	}

	id := uuid.NewString()
	dir := s.runDir(id)
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir logs: %w", err)
	}

	run := &Run{
		ID:        id,
		Pipeline:  p.Name(),
		Digest:    p.Digest(),
		Trigger:   trigger,
		State:     StatePending,
		Stages:    []StageResult{},
		CreatedAt: time.Now().UTC(),
	}
	if err := writeRecord(s.runPath(id), run); err != nil {
		return nil, err
	}
	return run, nil
}

// Get reads a run record.
func (s *Store) Get(id string) (*Run, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	run, err := readRecord(s.runPath(id))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, err)
	}
	return run, nil
}

// Update performs an atomic read-modify-write of a run record.
func (s *Store) Update(id string, fn func(*Run)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, err := s.Get(id)
	if err != nil {
		return err
	}
	fn(run)
	return writeRecord(s.runPath(id), run)
}

// Save overwrites the record with run.
func (s *Store) Save(run *Run) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeRecord(s.runPath(run.ID), run)
}

// List returns all runs, newest first, optionally filtered by state.
// Pass "" for stateFilter to return all runs.
func (s *Store) List(stateFilter State) ([]Run, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read dir %s: %w", s.baseDir, err)
	}

	var runs []Run
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		if _, err := uuid.Parse(entry.Name()); err != nil {
			continue
		}
		run, err := s.Get(entry.Name())
		if err != nil {
			continue // skip broken entries
		}
		if stateFilter == "" || run.State == stateFilter {
			runs = append(runs, *run)
		}
	}

	sort.Slice(runs, func(i, j int) bool {
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})
	return runs, nil
}

// Delete removes all data for a run.
func (s *Store) Delete(id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	dir := s.runDir(id)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return fmt.Errorf("run %s: %w", id, ErrRunNotFound)
	}
	return os.RemoveAll(dir)
}

// ReadJobLog returns the log of one job.
func (s *Store) ReadJobLog(runID, jobID string) ([]byte, error) {
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
	}
	if jobID == "" || jobID != filepath.Base(jobID) || strings.HasPrefix(jobID, ".") {
		return nil, fmt.Errorf("invalid job id %q", jobID)
	}
	return os.ReadFile(s.JobLogPath(runID, jobID))
}
