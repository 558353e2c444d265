package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/adstudio/pipeline"
)

// Both implementations run the same suite.
func stores(t *testing.T) map[string]pipeline.Store {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	rs, err := NewRedisStore(rdb, "test:")
	require.NoError(t, err)

	return map[string]pipeline.Store{
		"memory": NewMemoryStore(),
		"redis":  rs,
	}
}

func newJob(tenant string) *pipeline.CommercialJob {
	return &pipeline.CommercialJob{
		TenantID: tenant,
		Status:   pipeline.StatusPending,
		Brief:    pipeline.Brief{ProductName: "bottle"},
	}
}

func TestStore_SaveAndGet(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")

			require.NoError(t, s.Save(ctx, job))
			require.NotEmpty(t, job.ID, "Save should assign an ID")

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, "bottle", got.Brief.ProductName)
			assert.Equal(t, pipeline.StatusPending, got.Status)
			assert.False(t, got.CreatedAt.IsZero())
		})
	}
}

func TestStore_GetNotFound(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Get(context.Background(), "missing")
			assert.ErrorIs(t, err, pipeline.ErrNotFound)
		})
	}
}

func TestStore_StatusLifecycle(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")
			require.NoError(t, s.Save(ctx, job))

			require.NoError(t, s.UpdateStatus(ctx, job.ID, pipeline.StatusAnalyzing, ""))
			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.NotNil(t, got.StartedAt, "entering the first stage sets StartedAt")

			require.NoError(t, s.UpdateStatus(ctx, job.ID, pipeline.StatusCompleted, ""))
			got, err = s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.NotNil(t, got.CompletedAt)
			assert.Equal(t, pipeline.ProgressDone, got.Progress)
		})
	}
}

func TestStore_TerminalOnce(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")
			require.NoError(t, s.Save(ctx, job))
			require.NoError(t, s.UpdateStatus(ctx, job.ID, pipeline.StatusCancelled, ""))

			err := s.UpdateStatus(ctx, job.ID, pipeline.StatusCompleted, "")
			assert.ErrorIs(t, err, pipeline.ErrTerminalState, "terminal states never transition")

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, pipeline.StatusCancelled, got.Status)
		})
	}
}

func TestStore_ConcurrentTerminalTransition(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")
			require.NoError(t, s.Save(ctx, job))
			require.NoError(t, s.UpdateStatus(ctx, job.ID, pipeline.StatusGenerating, ""))

			// 多个终态写入同时竞争，只允许一个胜出
			attempts := []pipeline.JobStatus{
				pipeline.StatusCompleted,
				pipeline.StatusCancelled,
				pipeline.StatusFailed,
				pipeline.StatusCompleted,
			}
			errs := make([]error, len(attempts))
			start := make(chan struct{})
			var wg sync.WaitGroup
			for i, status := range attempts {
				wg.Add(1)
				go func(i int, status pipeline.JobStatus) {
					defer wg.Done()
					<-start
					errs[i] = s.UpdateStatus(ctx, job.ID, status, "")
				}(i, status)
			}
			close(start)
			wg.Wait()

			wins := 0
			for _, err := range errs {
				if err == nil {
					wins++
					continue
				}
				assert.ErrorIs(t, err, pipeline.ErrTerminalState)
			}
			assert.Equal(t, 1, wins, "终态只能写入一次")

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.True(t, got.Status.IsTerminal())
			assert.NotNil(t, got.CompletedAt)
		})
	}
}

func TestStore_ProgressMonotonic(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")
			require.NoError(t, s.Save(ctx, job))

			require.NoError(t, s.UpdateProgress(ctx, job.ID, 40))
			require.NoError(t, s.UpdateProgress(ctx, job.ID, 20)) // ignored

			got, err := s.Get(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, 40, got.Progress)
		})
	}
}

func TestStore_ListFilters(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			a := newJob("acme")
			require.NoError(t, s.Save(ctx, a))
			b := newJob("globex")
			require.NoError(t, s.Save(ctx, b))
			require.NoError(t, s.UpdateStatus(ctx, b.ID, pipeline.StatusAnalyzing, ""))

			byTenant, err := s.List(ctx, pipeline.JobFilter{TenantID: "acme"})
			require.NoError(t, err)
			require.Len(t, byTenant, 1)
			assert.Equal(t, a.ID, byTenant[0].ID)

			byStatus, err := s.List(ctx, pipeline.JobFilter{Status: []pipeline.JobStatus{pipeline.StatusAnalyzing}})
			require.NoError(t, err)
			require.Len(t, byStatus, 1)
			assert.Equal(t, b.ID, byStatus[0].ID)

			all, err := s.List(ctx, pipeline.JobFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 2)

			limited, err := s.List(ctx, pipeline.JobFilter{Limit: 1})
			require.NoError(t, err)
			assert.Len(t, limited, 1)
		})
	}
}

func TestStore_GetRecoverable(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			running := newJob("acme")
			require.NoError(t, s.Save(ctx, running))
			require.NoError(t, s.UpdateStatus(ctx, running.ID, pipeline.StatusGenerating, ""))

			done := newJob("acme")
			require.NoError(t, s.Save(ctx, done))
			require.NoError(t, s.UpdateStatus(ctx, done.ID, pipeline.StatusCompleted, ""))

			recoverable, err := s.GetRecoverable(ctx)
			require.NoError(t, err)
			require.Len(t, recoverable, 1)
			assert.Equal(t, running.ID, recoverable[0].ID)
		})
	}
}

func TestStore_Cleanup(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := newJob("acme")
			old.CreatedAt = time.Now().Add(-48 * time.Hour)
			require.NoError(t, s.Save(ctx, old))
			require.NoError(t, s.UpdateStatus(ctx, old.ID, pipeline.StatusFailed, "boom"))

			fresh := newJob("acme")
			require.NoError(t, s.Save(ctx, fresh))
			require.NoError(t, s.UpdateStatus(ctx, fresh.ID, pipeline.StatusCompleted, ""))

			removed, err := s.Cleanup(ctx, 24*time.Hour)
			require.NoError(t, err)
			assert.Equal(t, 1, removed)

			_, err = s.Get(ctx, old.ID)
			assert.ErrorIs(t, err, pipeline.ErrNotFound)
			_, err = s.Get(ctx, fresh.ID)
			assert.NoError(t, err)
		})
	}
}

func TestStore_Stats(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			require.NoError(t, s.Save(ctx, newJob("acme")))
			done := newJob("acme")
			require.NoError(t, s.Save(ctx, done))
			require.NoError(t, s.UpdateStatus(ctx, done.ID, pipeline.StatusCompleted, ""))

			stats, err := s.Stats(ctx)
			require.NoError(t, err)
			assert.EqualValues(t, 2, stats.TotalJobs)
			assert.EqualValues(t, 1, stats.StatusCounts[pipeline.StatusPending])
			assert.EqualValues(t, 1, stats.StatusCounts[pipeline.StatusCompleted])
			assert.Greater(t, stats.OldestPendingAge, time.Duration(0))
		})
	}
}

func TestStore_Delete(t *testing.T) {
	for name, s := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			job := newJob("acme")
			require.NoError(t, s.Save(ctx, job))

			require.NoError(t, s.Delete(ctx, job.ID))
			_, err := s.Get(ctx, job.ID)
			assert.ErrorIs(t, err, pipeline.ErrNotFound)

			list, err := s.List(ctx, pipeline.JobFilter{})
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}
