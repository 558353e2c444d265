package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/BaSui01/adstudio/pipeline"
)

// maxTxRetries bounds optimistic-lock retries on contended jobs.
const maxTxRetries = 5

// RedisStore is a Redis-based implementation of pipeline.Store.
// Suitable for distributed production deployments. Job records live in
// plain keys with sorted sets for status, tenant and global indexes.
// Read-modify-write paths run under WATCH so a concurrent cancel and a
// worker transition cannot both land a terminal status.
type RedisStore struct {
	client    *redis.Client
	keyPrefix string
}

// NewRedisStore creates a Redis job store on an existing client.
func NewRedisStore(client *redis.Client, keyPrefix string) (*RedisStore, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	if keyPrefix == "" {
		keyPrefix = "adstudio:"
	}

	return &RedisStore{
		client:    client,
		keyPrefix: keyPrefix + "job:",
	}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisStore) jobKey(jobID string) string {
	return s.keyPrefix + "data:" + jobID
}

func (s *RedisStore) statusKey(status pipeline.JobStatus) string {
	return s.keyPrefix + "status:" + string(status)
}

func (s *RedisStore) tenantKey(tenantID string) string {
	return s.keyPrefix + "tenant:" + tenantID
}

func (s *RedisStore) allJobsKey() string {
	return s.keyPrefix + "all"
}

// watchJob runs txn under WATCH on the job key, retrying on conflicts.
func (s *RedisStore) watchJob(ctx context.Context, jobID string, txn func(tx *redis.Tx) error) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, txn, s.jobKey(jobID))
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return fmt.Errorf("job %s: too many concurrent modifications", jobID)
}

// getTx reads and decodes a job inside a WATCH transaction.
func (s *RedisStore) getTx(ctx context.Context, tx *redis.Tx, jobID string) (*pipeline.CommercialJob, error) {
	data, err := tx.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var job pipeline.CommercialJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// Save upserts the full job record and its indexes. The terminal-once
// guard is evaluated under WATCH on the job key.
func (s *RedisStore) Save(ctx context.Context, job *pipeline.CommercialJob) error {
	if job == nil {
		return pipeline.ErrInvalidInput
	}

	if job.ID == "" {
		job.ID = uuid.New().String()
	}

	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	return s.watchJob(ctx, job.ID, func(tx *redis.Tx) error {
		oldJob, err := s.getTx(ctx, tx, job.ID)
		if err != nil && !errors.Is(err, pipeline.ErrNotFound) {
			return err
		}
		if oldJob != nil && oldJob.Status.IsTerminal() && oldJob.Status != job.Status {
			return pipeline.ErrTerminalState
		}

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		score := float64(job.CreatedAt.UnixNano())
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(job.ID), data, 0)
			if oldJob != nil && oldJob.Status != job.Status {
				pipe.ZRem(ctx, s.statusKey(oldJob.Status), job.ID)
			}
			pipe.ZAdd(ctx, s.statusKey(job.Status), redis.Z{Score: score, Member: job.ID})
			pipe.ZAdd(ctx, s.allJobsKey(), redis.Z{Score: score, Member: job.ID})
			if job.TenantID != "" {
				pipe.ZAdd(ctx, s.tenantKey(job.TenantID), redis.Z{Score: score, Member: job.ID})
			}
			return nil
		})
		return err
	})
}

// Get retrieves a job by ID.
func (s *RedisStore) Get(ctx context.Context, jobID string) (*pipeline.CommercialJob, error) {
	data, err := s.client.Get(ctx, s.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, pipeline.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var job pipeline.CommercialJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, err
	}
	return &job, nil
}

// List retrieves jobs matching the filter.
func (s *RedisStore) List(ctx context.Context, filter pipeline.JobFilter) ([]*pipeline.CommercialJob, error) {
	var jobIDs []string
	var err error

	// Pick the narrowest index available.
	switch {
	case len(filter.Status) == 1:
		jobIDs, err = s.client.ZRange(ctx, s.statusKey(filter.Status[0]), 0, -1).Result()
	case filter.TenantID != "":
		jobIDs, err = s.client.ZRange(ctx, s.tenantKey(filter.TenantID), 0, -1).Result()
	default:
		jobIDs, err = s.client.ZRange(ctx, s.allJobsKey(), 0, -1).Result()
	}
	if err != nil {
		return nil, err
	}

	result := make([]*pipeline.CommercialJob, 0, len(jobIDs))
	for _, jobID := range jobIDs {
		job, err := s.Get(ctx, jobID)
		if err != nil {
			continue
		}
		if matchesFilter(job, filter) {
			result = append(result, job)
		}
	}

	sortJobs(result, filter.OrderDesc)
	return paginate(result, filter), nil
}

// UpdateStatus transitions a job to a new status. The transition runs
// under WATCH so racing transitions serialize and the loser observes
// the terminal state instead of overwriting it.
func (s *RedisStore) UpdateStatus(ctx context.Context, jobID string, status pipeline.JobStatus, errMsg string) error {
	return s.watchJob(ctx, jobID, func(tx *redis.Tx) error {
		job, err := s.getTx(ctx, tx, jobID)
		if err != nil {
			return err
		}

		oldStatus := job.Status
		if err := applyStatusTransition(job, status, errMsg); err != nil {
			return err
		}

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(jobID), data, 0)
			if oldStatus != status {
				pipe.ZRem(ctx, s.statusKey(oldStatus), jobID)
				pipe.ZAdd(ctx, s.statusKey(status), redis.Z{
					Score:  float64(job.CreatedAt.UnixNano()),
					Member: jobID,
				})
			}
			return nil
		})
		return err
	})
}

// UpdateProgress raises the job progress. Lower values are ignored.
func (s *RedisStore) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	return s.watchJob(ctx, jobID, func(tx *redis.Tx) error {
		job, err := s.getTx(ctx, tx, jobID)
		if err != nil {
			return err
		}

		if progress <= job.Progress {
			return nil
		}

		job.Progress = progress
		job.UpdatedAt = time.Now()

		data, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, s.jobKey(jobID), data, 0)
			return nil
		})
		return err
	})
}

// Delete removes a job and its index entries.
func (s *RedisStore) Delete(ctx context.Context, jobID string) error {
	job, err := s.Get(ctx, jobID)
	if err != nil {
		return err
	}

	pipe := s.client.Pipeline()
	pipe.Del(ctx, s.jobKey(jobID))
	pipe.ZRem(ctx, s.statusKey(job.Status), jobID)
	pipe.ZRem(ctx, s.allJobsKey(), jobID)
	if job.TenantID != "" {
		pipe.ZRem(ctx, s.tenantKey(job.TenantID), jobID)
	}

	_, err = pipe.Exec(ctx)
	return err
}

// GetRecoverable returns jobs interrupted mid-flight, oldest first.
func (s *RedisStore) GetRecoverable(ctx context.Context) ([]*pipeline.CommercialJob, error) {
	recoverable := []pipeline.JobStatus{
		pipeline.StatusPending,
		pipeline.StatusAnalyzing,
		pipeline.StatusGenerating,
		pipeline.StatusComposing,
	}

	result := make([]*pipeline.CommercialJob, 0)
	for _, status := range recoverable {
		jobIDs, err := s.client.ZRange(ctx, s.statusKey(status), 0, -1).Result()
		if err != nil {
			return nil, err
		}
		for _, jobID := range jobIDs {
			job, err := s.Get(ctx, jobID)
			if err != nil {
				continue
			}
			result = append(result, job)
		}
	}

	sortJobs(result, false)
	return result, nil
}

// Cleanup removes terminal jobs older than the given age.
func (s *RedisStore) Cleanup(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan).UnixNano()
	count := 0

	terminal := []pipeline.JobStatus{
		pipeline.StatusCompleted,
		pipeline.StatusFailed,
		pipeline.StatusCancelled,
	}

	for _, status := range terminal {
		jobIDs, err := s.client.ZRangeByScore(ctx, s.statusKey(status), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			continue
		}
		for _, jobID := range jobIDs {
			if err := s.Delete(ctx, jobID); err == nil {
				count++
			}
		}
	}

	return count, nil
}

// Stats returns counts per status.
func (s *RedisStore) Stats(ctx context.Context) (*pipeline.StoreStats, error) {
	stats := &pipeline.StoreStats{
		StatusCounts: make(map[pipeline.JobStatus]int64),
	}

	total, err := s.client.ZCard(ctx, s.allJobsKey()).Result()
	if err == nil {
		stats.TotalJobs = total
	}

	statuses := []pipeline.JobStatus{
		pipeline.StatusPending,
		pipeline.StatusAnalyzing,
		pipeline.StatusGenerating,
		pipeline.StatusComposing,
		pipeline.StatusCompleted,
		pipeline.StatusFailed,
		pipeline.StatusCancelled,
	}
	for _, status := range statuses {
		count, err := s.client.ZCard(ctx, s.statusKey(status)).Result()
		if err == nil {
			stats.StatusCounts[status] = count
		}
	}

	oldest, err := s.client.ZRangeWithScores(ctx, s.statusKey(pipeline.StatusPending), 0, 0).Result()
	if err == nil && len(oldest) > 0 {
		ts := time.Unix(0, int64(oldest[0].Score))
		stats.OldestPendingAge = time.Since(ts)
	}

	return stats, nil
}

var _ pipeline.Store = (*RedisStore)(nil)
