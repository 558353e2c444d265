package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/BaSui01/adstudio/pipeline"
)

// MemoryStore is an in-memory implementation of pipeline.Store.
// Suitable for tests and single-node deployments.
type MemoryStore struct {
	mu   sync.RWMutex
	jobs map[string]*pipeline.CommercialJob
}

// NewMemoryStore creates a new in-memory job store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs: make(map[string]*pipeline.CommercialJob),
	}
}

func (s *MemoryStore) Close() error                   { return nil }
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Save upserts the full job record.
func (s *MemoryStore) Save(ctx context.Context, job *pipeline.CommercialJob) error {
	if job == nil {
		return pipeline.ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	if existing, ok := s.jobs[job.ID]; ok {
		if existing.Status.IsTerminal() && existing.Status != job.Status {
			return pipeline.ErrTerminalState
		}
	}

	clone := *job
	s.jobs[job.ID] = &clone
	return nil
}

// Get retrieves a job by ID.
func (s *MemoryStore) Get(ctx context.Context, jobID string) (*pipeline.CommercialJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return nil, pipeline.ErrNotFound
	}
	clone := *job
	return &clone, nil
}

// List retrieves jobs matching the filter.
func (s *MemoryStore) List(ctx context.Context, filter pipeline.JobFilter) ([]*pipeline.CommercialJob, error) {
	s.mu.RLock()
	result := make([]*pipeline.CommercialJob, 0)
	for _, job := range s.jobs {
		if matchesFilter(job, filter) {
			clone := *job
			result = append(result, &clone)
		}
	}
	s.mu.RUnlock()

	sortJobs(result, filter.OrderDesc)
	return paginate(result, filter), nil
}

// UpdateStatus transitions a job to a new status.
func (s *MemoryStore) UpdateStatus(ctx context.Context, jobID string, status pipeline.JobStatus, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	return applyStatusTransition(job, status, errMsg)
}

// UpdateProgress raises the job progress. Lower values are ignored.
func (s *MemoryStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return pipeline.ErrNotFound
	}
	if progress > job.Progress {
		job.Progress = progress
		job.UpdatedAt = time.Now()
	}
	return nil
}

// Delete removes a job.
func (s *MemoryStore) Delete(ctx context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.jobs[jobID]; !ok {
		return pipeline.ErrNotFound
	}
	delete(s.jobs, jobID)
	return nil
}

// GetRecoverable returns jobs interrupted mid-flight, oldest first.
func (s *MemoryStore) GetRecoverable(ctx context.Context) ([]*pipeline.CommercialJob, error) {
	s.mu.RLock()
	result := make([]*pipeline.CommercialJob, 0)
	for _, job := range s.jobs {
		if !job.Status.IsTerminal() {
			clone := *job
			result = append(result, &clone)
		}
	}
	s.mu.RUnlock()

	sortJobs(result, false)
	return result, nil
}

// Cleanup removes terminal jobs older than the given age.
func (s *MemoryStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, job := range s.jobs {
		if job.Status.IsTerminal() && job.CreatedAt.Before(cutoff) {
			delete(s.jobs, id)
			count++
		}
	}
	return count, nil
}

// Stats returns counts per status.
func (s *MemoryStore) Stats(ctx context.Context) (*pipeline.StoreStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &pipeline.StoreStats{
		StatusCounts: make(map[pipeline.JobStatus]int64),
	}

	var oldestPending *time.Time
	for _, job := range s.jobs {
		stats.TotalJobs++
		stats.StatusCounts[job.Status]++
		if job.Status == pipeline.StatusPending {
			if oldestPending == nil || job.CreatedAt.Before(*oldestPending) {
				t := job.CreatedAt
				oldestPending = &t
			}
		}
	}
	if oldestPending != nil {
		stats.OldestPendingAge = time.Since(*oldestPending)
	}

	return stats, nil
}

var _ pipeline.Store = (*MemoryStore)(nil)
