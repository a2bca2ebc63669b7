// Package memory provides an in-memory JobStore for development and
// single-process deployments.
package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/jmathers/gramscrape/internal/scrape"
)

// JobStore tracks jobs behind a single RWMutex. Status polls take the
// read lock; appends and transitions take the write lock, so a reader
// never observes an updated counter without its outcome.
type JobStore struct {
	mu   sync.RWMutex
	jobs map[string]*scrape.Job
}

// NewJobStore constructs a JobStore.
func NewJobStore() *JobStore {
	return &JobStore{
		jobs: make(map[string]*scrape.Job),
	}
}

// CreateJob stores a new job in queued status.
func (s *JobStore) CreateJob(_ context.Context, job scrape.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return errors.New("job already exists")
	}
	cp := cloneJob(job)
	s.jobs[job.ID] = &cp
	return nil
}

// GetJob fetches a snapshot of a job by ID.
func (s *JobStore) GetJob(_ context.Context, jobID string) (scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Job{}, scrape.ErrJobNotFound
	}
	return cloneJob(*job), nil
}

// ListJobs returns jobs newest first, optionally filtered by status.
func (s *JobStore) ListJobs(_ context.Context, status scrape.JobStatus, limit int) ([]scrape.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scrape.Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		if status != "" && job.Status != status {
			continue
		}
		out = append(out, cloneJob(*job))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// SetStatus applies a lifecycle transition.
func (s *JobStore) SetStatus(_ context.Context, jobID string, status scrape.JobStatus, errText string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.ErrJobNotFound
	}
	if !job.Status.CanTransition(status) {
		return scrape.ErrInvalidTransition
	}
	job.Status = status
	if errText != "" {
		job.ErrorText = errText
	}
	job.UpdatedAt = time.Now().UTC()
	return nil
}

// AppendOutcome appends one outcome and bumps the matching progress
// counter in the same critical section.
func (s *JobStore) AppendOutcome(_ context.Context, jobID string, outcome scrape.TargetOutcome) (scrape.Progress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return scrape.Progress{}, scrape.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return scrape.Progress{}, scrape.ErrJobFinalized
	}
	if len(job.Results) >= job.Progress.Total {
		return scrape.Progress{}, errors.New("outcome count exceeds target count")
	}
	job.Results = append(job.Results, outcome)
	if outcome.Status == scrape.OutcomeOK {
		job.Progress.Completed++
	} else {
		job.Progress.Failed++
	}
	job.UpdatedAt = time.Now().UTC()
	return job.Progress, nil
}

// CancelJob flips the job to cancelled and backfills skipped outcomes
// for targets that have none, all under one lock so a racing append
// lands either before the snapshot or after finalization, never
// between.
func (s *JobStore) CancelJob(_ context.Context, jobID string, errText string, skip scrape.TargetOutcome) ([]scrape.TargetOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, scrape.ErrJobNotFound
	}
	if job.Status.Terminal() {
		return nil, scrape.ErrJobFinalized
	}

	resolved := make(map[string]bool, len(job.Results))
	for _, o := range job.Results {
		resolved[o.TargetRef] = true
	}
	var skipped []scrape.TargetOutcome
	for _, target := range job.Targets {
		if resolved[target.Raw] {
			continue
		}
		outcome := skip
		outcome.TargetRef = target.Raw
		outcome.Kind = target.Kind
		job.Results = append(job.Results, outcome)
		job.Progress.Failed++
		skipped = append(skipped, outcome)
	}

	job.Status = scrape.JobStatusCancelled
	if errText != "" {
		job.ErrorText = errText
	}
	job.UpdatedAt = time.Now().UTC()
	return skipped, nil
}

// DeleteJob removes the store entry.
func (s *JobStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[jobID]; !ok {
		return scrape.ErrJobNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// CleanupOlderThan removes terminal jobs created before the cutoff
// and returns how many were dropped.
func (s *JobStore) CleanupOlderThan(cutoff time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, job := range s.jobs {
		if job.Status.Terminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// Stats counts jobs per status.
func (s *JobStore) Stats() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := map[string]int{"total": len(s.jobs)}
	for _, job := range s.jobs {
		out[string(job.Status)]++
	}
	return out
}

func cloneJob(job scrape.Job) scrape.Job {
	cp := job
	cp.Targets = append([]scrape.Target(nil), job.Targets...)
	cp.Results = append([]scrape.TargetOutcome(nil), job.Results...)
	return cp
}
