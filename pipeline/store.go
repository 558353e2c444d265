package pipeline

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidInput  = errors.New("invalid input")
	ErrTerminalState = errors.New("job is in a terminal state")
)

// JobFilter narrows List results.
type JobFilter struct {
	Status        []JobStatus
	TenantID      string
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	Limit         int
	Offset        int
	OrderDesc     bool
}

// StoreStats summarizes the job store contents.
type StoreStats struct {
	TotalJobs        int64               `json:"total_jobs"`
	StatusCounts     map[JobStatus]int64 `json:"status_counts"`
	OldestPendingAge time.Duration       `json:"oldest_pending_age"`
}

// Store is the job persistence interface. Implementations live in
// pipeline/store.
//
// Status transitions out of a terminal state are rejected with
// ErrTerminalState; progress never decreases.
type Store interface {
	// Save upserts the full job record.
	Save(ctx context.Context, job *CommercialJob) error

	// Get retrieves a job by ID.
	Get(ctx context.Context, jobID string) (*CommercialJob, error)

	// List retrieves jobs matching the filter, ordered by creation time.
	List(ctx context.Context, filter JobFilter) ([]*CommercialJob, error)

	// UpdateStatus transitions a job to a new status. Terminal states
	// set CompletedAt; entering an active stage sets StartedAt.
	UpdateStatus(ctx context.Context, jobID string, status JobStatus, errMsg string) error

	// UpdateProgress raises the job progress. Lower values are ignored.
	UpdateProgress(ctx context.Context, jobID string, progress int) error

	// Delete removes a job.
	Delete(ctx context.Context, jobID string) error

	// GetRecoverable returns jobs interrupted mid-flight (pending or in
	// an active stage), oldest first.
	GetRecoverable(ctx context.Context) ([]*CommercialJob, error)

	// Cleanup removes terminal jobs older than the given age.
	Cleanup(ctx context.Context, olderThan time.Duration) (int, error)

	// Stats returns counts per status.
	Stats(ctx context.Context) (*StoreStats, error)

	// Ping checks store health.
	Ping(ctx context.Context) error

	// Close releases resources.
	Close() error
}
