// Package store persists commercial jobs. Two implementations of
// pipeline.Store are provided: an in-memory store for tests and
// single-node setups, and a Redis store for distributed deployments.
package store

import (
	"sort"
	"time"

	"github.com/BaSui01/adstudio/pipeline"
)

func matchesFilter(job *pipeline.CommercialJob, filter pipeline.JobFilter) bool {
	if filter.TenantID != "" && job.TenantID != filter.TenantID {
		return false
	}

	if len(filter.Status) > 0 {
		found := false
		for _, status := range filter.Status {
			if job.Status == status {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}

	if filter.CreatedAfter != nil && job.CreatedAt.Before(*filter.CreatedAfter) {
		return false
	}
	if filter.CreatedBefore != nil && job.CreatedAt.After(*filter.CreatedBefore) {
		return false
	}

	return true
}

func sortJobs(jobs []*pipeline.CommercialJob, desc bool) {
	sort.Slice(jobs, func(i, j int) bool {
		less := jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		if desc {
			return !less
		}
		return less
	})
}

func paginate(jobs []*pipeline.CommercialJob, filter pipeline.JobFilter) []*pipeline.CommercialJob {
	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*pipeline.CommercialJob{}
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs
}

// applyStatusTransition mutates job for the new status, enforcing the
// terminal-once rule. Returns pipeline.ErrTerminalState when the job
// already finished.
func applyStatusTransition(job *pipeline.CommercialJob, status pipeline.JobStatus, errMsg string) error {
	if job.Status.IsTerminal() && job.Status != status {
		return pipeline.ErrTerminalState
	}

	now := time.Now()
	job.Status = status
	job.UpdatedAt = now

	if errMsg != "" {
		job.Error = errMsg
	}

	if status == pipeline.StatusAnalyzing && job.StartedAt == nil {
		job.StartedAt = &now
	}
	if status.IsTerminal() && job.CompletedAt == nil {
		job.CompletedAt = &now
	}
	if status == pipeline.StatusCompleted {
		job.Progress = pipeline.ProgressDone
	}

	return nil
}
