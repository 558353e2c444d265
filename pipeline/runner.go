package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BaSui01/adstudio/gen"
)

// RunnerConfig configures the pipeline runner.
type RunnerConfig struct {
	Workers         int
	QueueSize       int
	JobTimeout      time.Duration
	CleanupInterval time.Duration
	RetainFinished  time.Duration
}

// DefaultRunnerConfig returns the default runner configuration.
func DefaultRunnerConfig() RunnerConfig {
	return RunnerConfig{
		Workers:         4,
		QueueSize:       64,
		JobTimeout:      15 * time.Minute,
		CleanupInterval: time.Hour,
		RetainFinished:  24 * time.Hour,
	}
}

// JobObserver records job lifecycle metrics (implemented by internal/metrics).
type JobObserver interface {
	ObserveJobFinished(status JobStatus, duration time.Duration, cost float64)
	ObserveQueueDepth(depth int)
}

// errJobFinished signals that a job reached a terminal state under our
// feet (usually a concurrent cancel) and the worker should stop quietly.
var errJobFinished = errors.New("job already finished")

// Runner owns the worker pool that drives jobs through the stages.
type Runner struct {
	store    Store
	stages   *Stages
	cfg      RunnerConfig
	logger   *zap.Logger
	observer JobObserver

	queue   chan string
	cancels sync.Map // jobID -> context.CancelFunc

	subMu  sync.Mutex
	subs   map[int]chan JobEvent
	nextID int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRunner creates a pipeline runner. The observer may be nil.
func NewRunner(st Store, stages *Stages, observer JobObserver, cfg RunnerConfig, logger *zap.Logger) *Runner {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 64
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 15 * time.Minute
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Runner{
		store:    st,
		stages:   stages,
		cfg:      cfg,
		logger:   logger,
		observer: observer,
		queue:    make(chan string, cfg.QueueSize),
		subs:     make(map[int]chan JobEvent),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start launches the workers, requeues interrupted jobs and starts the
// cleanup loop.
func (r *Runner) Start(ctx context.Context) error {
	recovered, err := r.recoverInterrupted(ctx)
	if err != nil {
		return fmt.Errorf("job recovery: %w", err)
	}
	if recovered > 0 {
		r.logger.Info("requeued interrupted jobs", zap.Int("count", recovered))
	}

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.worker(i)
	}

	if r.cfg.CleanupInterval > 0 {
		r.wg.Add(1)
		go r.cleanupLoop()
	}

	r.logger.Info("pipeline runner started", zap.Int("workers", r.cfg.Workers))
	return nil
}

// Stop drains the runner. In-flight jobs are interrupted; they will be
// recovered on the next start.
func (r *Runner) Stop() {
	r.cancel()
	r.wg.Wait()

	r.subMu.Lock()
	for id, ch := range r.subs {
		close(ch)
		delete(r.subs, id)
	}
	r.subMu.Unlock()

	r.logger.Info("pipeline runner stopped")
}

// recoverInterrupted resets non-terminal jobs back to pending and
// requeues them.
func (r *Runner) recoverInterrupted(ctx context.Context) (int, error) {
	jobs, err := r.store.GetRecoverable(ctx)
	if err != nil {
		return 0, err
	}

	count := 0
	for _, job := range jobs {
		if job.Status != StatusPending {
			if err := r.store.UpdateStatus(ctx, job.ID, StatusPending, ""); err != nil {
				r.logger.Warn("failed to reset interrupted job",
					zap.String("job_id", job.ID), zap.Error(err))
				continue
			}
		}
		select {
		case r.queue <- job.ID:
			count++
		default:
			r.logger.Warn("queue full during recovery", zap.String("job_id", job.ID))
		}
	}
	return count, nil
}

// Submit validates the brief, persists a pending job and enqueues it.
func (r *Runner) Submit(ctx context.Context, tenantID string, brief Brief) (*CommercialJob, error) {
	if brief.ProductName == "" {
		return nil, gen.NewError(gen.ErrInvalidRequest, "product_name is required")
	}
	if brief.TargetDuration < 0 || brief.TargetDuration > 60 {
		return nil, gen.NewError(gen.ErrInvalidRequest, "target_duration must be between 0 and 60 seconds; 0 applies the default")
	}

	job := &CommercialJob{
		TenantID: tenantID,
		Status:   StatusPending,
		Progress: ProgressQueued,
		Brief:    brief,
	}
	if err := r.store.Save(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to persist job: %w", err)
	}

	select {
	case r.queue <- job.ID:
	default:
		// Queue full: fail the job instead of blocking the API.
		_ = r.store.UpdateStatus(ctx, job.ID, StatusFailed, "job queue is full")
		return nil, gen.NewError(gen.ErrRateLimited, "job queue is full").WithRetryable(true)
	}

	if r.observer != nil {
		r.observer.ObserveQueueDepth(len(r.queue))
	}

	r.publish(JobEvent{
		JobID: job.ID, Type: EventStatusChanged, Status: StatusPending,
		Progress: job.Progress, Timestamp: time.Now(),
	})
	return job, nil
}

// Get returns a job by ID.
func (r *Runner) Get(ctx context.Context, jobID string) (*CommercialJob, error) {
	return r.store.Get(ctx, jobID)
}

// List returns jobs matching the filter.
func (r *Runner) List(ctx context.Context, filter JobFilter) ([]*CommercialJob, error) {
	return r.store.List(ctx, filter)
}

// Cancel cancels a pending or running job.
func (r *Runner) Cancel(ctx context.Context, jobID string) error {
	job, err := r.store.Get(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return gen.NewError(gen.ErrJobNotCancellable,
			fmt.Sprintf("job is already %s", job.Status))
	}

	if err := r.store.UpdateStatus(ctx, jobID, StatusCancelled, "cancelled by user"); err != nil {
		if errors.Is(err, ErrTerminalState) {
			return gen.NewError(gen.ErrJobNotCancellable, "job finished before cancellation")
		}
		return err
	}

	// Interrupt the running worker, if any.
	if cancelFn, ok := r.cancels.Load(jobID); ok {
		cancelFn.(context.CancelFunc)()
	}

	r.publish(JobEvent{
		JobID: jobID, Type: EventCancelled, Status: StatusCancelled,
		Progress: job.Progress, Timestamp: time.Now(),
	})
	return nil
}

// Subscribe registers a job event listener. The returned function
// unsubscribes and closes the channel.
func (r *Runner) Subscribe() (<-chan JobEvent, func()) {
	r.subMu.Lock()
	defer r.subMu.Unlock()

	id := r.nextID
	r.nextID++
	ch := make(chan JobEvent, 32)
	r.subs[id] = ch

	return ch, func() {
		r.subMu.Lock()
		defer r.subMu.Unlock()
		if existing, ok := r.subs[id]; ok {
			close(existing)
			delete(r.subs, id)
		}
	}
}

func (r *Runner) publish(event JobEvent) {
	r.subMu.Lock()
	defer r.subMu.Unlock()
	for _, ch := range r.subs {
		select {
		case ch <- event:
		default:
			// Slow subscriber, drop rather than block the pipeline.
		}
	}
}

func (r *Runner) worker(id int) {
	defer r.wg.Done()

	for {
		select {
		case <-r.ctx.Done():
			return
		case jobID := <-r.queue:
			r.runJob(jobID)
			if r.observer != nil {
				r.observer.ObserveQueueDepth(len(r.queue))
			}
		}
	}
}

func (r *Runner) cleanupLoop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			removed, err := r.store.Cleanup(r.ctx, r.cfg.RetainFinished)
			if err != nil {
				r.logger.Warn("job cleanup failed", zap.Error(err))
				continue
			}
			if removed > 0 {
				r.logger.Info("cleaned up finished jobs", zap.Int("removed", removed))
			}
		}
	}
}

// runJob drives one job through all stages. Panics in stage code fail
// the job instead of killing the worker.
func (r *Runner) runJob(jobID string) {
	ctx, cancelFn := context.WithTimeout(r.ctx, r.cfg.JobTimeout)
	r.cancels.Store(jobID, context.CancelFunc(cancelFn))
	start := time.Now()

	defer func() {
		r.cancels.Delete(jobID)
		cancelFn()

		if rec := recover(); rec != nil {
			r.logger.Error("job panicked",
				zap.String("job_id", jobID), zap.Any("panic", rec))
			r.finishJob(jobID, StatusFailed, fmt.Sprintf("internal error: %v", rec), start)
		}
	}()

	job, err := r.store.Get(context.Background(), jobID)
	if err != nil {
		r.logger.Warn("dequeued unknown job", zap.String("job_id", jobID), zap.Error(err))
		return
	}
	if job.Status.IsTerminal() {
		return // cancelled while queued
	}

	err = r.runStages(ctx, job)
	switch {
	case err == nil:
		r.finishJob(jobID, StatusCompleted, "", start)
	case errors.Is(err, errJobFinished):
		// Cancelled mid-flight; the terminal status is already persisted.
	case ctx.Err() != nil && r.ctx.Err() != nil:
		// Shutdown: leave the job non-terminal for recovery on restart.
		r.logger.Info("job interrupted by shutdown", zap.String("job_id", jobID))
	default:
		r.logger.Warn("job failed",
			zap.String("job_id", jobID), zap.Error(err))
		r.finishJob(jobID, StatusFailed, err.Error(), start)
	}
}

func (r *Runner) runStages(ctx context.Context, job *CommercialJob) error {
	if err := r.transition(job, StatusAnalyzing, ProgressAnalyzing); err != nil {
		return err
	}
	if err := r.stages.AnalyzeProduct(ctx, job); err != nil {
		return err
	}
	if err := r.checkpoint(job, ProgressAnalyzed); err != nil {
		return err
	}

	if err := r.transition(job, StatusGenerating, ProgressGenerating); err != nil {
		return err
	}
	if err := r.stages.GenerateAssets(ctx, job); err != nil {
		return err
	}
	if err := r.checkpoint(job, ProgressGenerated); err != nil {
		return err
	}

	if err := r.transition(job, StatusComposing, ProgressComposing); err != nil {
		return err
	}
	if err := r.stages.ComposeVideo(ctx, job); err != nil {
		return err
	}
	return r.checkpoint(job, ProgressComposing)
}

// transition moves the job into a new stage and publishes the event.
func (r *Runner) transition(job *CommercialJob, status JobStatus, progress int) error {
	if err := r.store.UpdateStatus(context.Background(), job.ID, status, ""); err != nil {
		if errors.Is(err, ErrTerminalState) {
			return errJobFinished
		}
		return err
	}
	job.Status = status
	if progress > job.Progress {
		job.Progress = progress
	}
	_ = r.store.UpdateProgress(context.Background(), job.ID, progress)

	r.publish(JobEvent{
		JobID: job.ID, Type: EventStatusChanged, Status: status,
		Progress: job.Progress, Timestamp: time.Now(),
	})
	return nil
}

// checkpoint persists accumulated stage output and raises progress.
func (r *Runner) checkpoint(job *CommercialJob, progress int) error {
	if progress > job.Progress {
		job.Progress = progress
	}
	if err := r.store.Save(context.Background(), job); err != nil {
		if errors.Is(err, ErrTerminalState) {
			return errJobFinished
		}
		return err
	}

	r.publish(JobEvent{
		JobID: job.ID, Type: EventProgress, Status: job.Status,
		Progress: job.Progress, Timestamp: time.Now(),
	})
	return nil
}

func (r *Runner) finishJob(jobID string, status JobStatus, errMsg string, start time.Time) {
	if err := r.store.UpdateStatus(context.Background(), jobID, status, errMsg); err != nil {
		if !errors.Is(err, ErrTerminalState) {
			r.logger.Error("failed to finish job",
				zap.String("job_id", jobID), zap.Error(err))
		}
		return
	}

	eventType := EventCompleted
	if status == StatusFailed {
		eventType = EventFailed
	}

	job, err := r.store.Get(context.Background(), jobID)
	progress := ProgressDone
	cost := 0.0
	if err == nil {
		progress = job.Progress
		cost = job.TotalCost
	}

	if r.observer != nil {
		r.observer.ObserveJobFinished(status, time.Since(start), cost)
	}

	r.publish(JobEvent{
		JobID: jobID, Type: eventType, Status: status,
		Progress: progress, Message: errMsg, Timestamp: time.Now(),
	})
}
