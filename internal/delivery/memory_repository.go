package delivery

import (
	"context"
	"sort"
	"sync"
	"time"
)

type memoryRepository struct {
	mu   sync.Mutex
	jobs map[string]Job
}

// NewMemoryRepository creates an in-memory job repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{jobs: make(map[string]Job)}
}

func (r *memoryRepository) Create(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func (r *memoryRepository) Get(_ context.Context, id string) (Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	job, ok := r.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return cloneJob(job), nil
}

func (r *memoryRepository) ClaimDue(_ context.Context, now, staleBefore time.Time, limit int) ([]Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []Job
	for _, job := range r.jobs {
		if isDue(job, now, staleBefore) {
			due = append(due, job)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]Job, 0, len(due))
	for _, job := range due {
		lockedAt := now
		job.UpdatedAt = now
		if job.Status == StatusProcessing {
			job.Attempts++
			job.LastError = claimExpired
		}
		if job.Status == StatusProcessing && job.Attempts >= job.MaxAttempts {
			job.Status = StatusGaveUp
			job.LockedAt = nil
		} else {
			job.Status = StatusProcessing
			job.LockedAt = &lockedAt
		}
		r.jobs[job.ID] = job
		claimed = append(claimed, cloneJob(job))
	}
	return claimed, nil
}

func (r *memoryRepository) Finish(_ context.Context, job Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	if current.Status != StatusProcessing || current.LockedAt == nil || job.LockedAt == nil || !current.LockedAt.Equal(*job.LockedAt) {
		return ErrLockLost
	}
	job.LockedAt = nil
	r.jobs[job.ID] = cloneJob(job)
	return nil
}

func isDue(job Job, now, staleBefore time.Time) bool {
	switch job.Status {
	case StatusPending, StatusFailed:
		return !job.NextAttemptAt.After(now)
	case StatusProcessing:
		return job.LockedAt != nil && job.LockedAt.Before(staleBefore)
	default:
		return false
	}
}

func cloneJob(job Job) Job {
	job.Payload = append([]byte(nil), job.Payload...)
	if job.LockedAt != nil {
		t := *job.LockedAt
		job.LockedAt = &t
	}
	return job
}
