// Package worker dequeues jobs and drives each one through pipeline
// execution, artifact upload and metadata storage to exactly one terminal
// status.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-logr/logr"
	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/metadata"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/pipeline"
	"github.com/makeasinger/jobengine/internal/progress"
	"github.com/makeasinger/jobengine/internal/queue"
	"github.com/makeasinger/jobengine/internal/retry"
	"github.com/makeasinger/jobengine/internal/store"
	"github.com/makeasinger/jobengine/internal/upload"
)

// errCancelRequested stops pipeline retries once a cancel marker is seen
var errCancelRequested = errors.New("cancel requested")

// Options configures a worker
type Options struct {
	ID               string
	Concurrency      int
	PollInterval     time.Duration
	MaxPollInterval  time.Duration
	ShutdownTimeout  time.Duration
	PipelineAttempts int
	// RetryDelay is the base delay between pipeline attempts.
	RetryDelay time.Duration
	Cleanup    string
}

// OptionsFromConfig maps worker configuration onto Options
func OptionsFromConfig(cfg config.WorkerConfig) Options {
	return Options{
		Concurrency:      cfg.Concurrency,
		PollInterval:     cfg.PollInterval,
		MaxPollInterval:  cfg.MaxPollInterval,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		PipelineAttempts: cfg.PipelineAttempts,
		RetryDelay:       cfg.PipelineRetryDelay,
		Cleanup:          cfg.Cleanup,
	}
}

// Worker processes jobs from the queue
type Worker struct {
	queue    queue.Queue
	tracker  *progress.Tracker
	pipeline *pipeline.Integrator
	uploads  *upload.Manager
	metadata *metadata.Manager
	opts     Options
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	log      logr.Logger
}

// NewWorker creates a worker
func NewWorker(q queue.Queue, tracker *progress.Tracker, integrator *pipeline.Integrator,
	uploads *upload.Manager, meta *metadata.Manager, opts Options) *Worker {
	if opts.ID == "" {
		host, _ := os.Hostname()
		opts.ID = fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
	}
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.MaxPollInterval < opts.PollInterval {
		opts.MaxPollInterval = opts.PollInterval
	}
	if opts.PipelineAttempts < 1 {
		opts.PipelineAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 5 * time.Second
	}
	if opts.Cleanup == "" {
		opts.Cleanup = config.CleanupOnTerminal
	}
	return &Worker{
		queue:    q,
		tracker:  tracker,
		pipeline: integrator,
		uploads:  uploads,
		metadata: meta,
		opts:     opts,
		sem:      semaphore.NewWeighted(int64(opts.Concurrency)),
		log:      log.WithName("worker").WithValues("workerId", opts.ID),
	}
}

// ID returns the identifier recorded on claimed jobs
func (w *Worker) ID() string {
	return w.opts.ID
}

// Run polls the queue until ctx is done, then stops dequeuing and waits up to
// the shutdown timeout for in-flight jobs before interrupting them.
func (w *Worker) Run(ctx context.Context) error {
	jobCtx, interrupt := context.WithCancel(context.WithoutCancel(ctx))
	defer interrupt()

	idle := w.idleBackOff()
	w.log.Info("worker started", "concurrency", w.opts.Concurrency, "pollInterval", w.opts.PollInterval)

	for ctx.Err() == nil {
		if err := w.sem.Acquire(ctx, 1); err != nil {
			break
		}

		jobID, err := w.queue.Dequeue(ctx)
		if err != nil || jobID == "" {
			w.sem.Release(1)
			if err != nil && ctx.Err() == nil {
				w.log.Error(err, "dequeue failed")
			}
			if !sleep(ctx, idle.NextBackOff()) {
				break
			}
			continue
		}
		idle.Reset()

		w.wg.Add(1)
		go func(jobID string) {
			defer w.wg.Done()
			defer w.sem.Release(1)
			w.ProcessJob(jobCtx, jobID)
		}(jobID)
	}

	w.log.Info("worker stopping, waiting for in-flight jobs", "timeout", w.opts.ShutdownTimeout)
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(w.opts.ShutdownTimeout):
		w.log.Info("shutdown timeout reached, interrupting in-flight jobs")
		interrupt()
		<-done
	}
	w.log.Info("worker stopped")
	return nil
}

func (w *Worker) idleBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = w.opts.PollInterval
	b.MaxInterval = w.opts.MaxPollInterval
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// ProcessJob runs one job to a terminal status. It returns true only when
// the job completed. A job interrupted by worker shutdown is left resumable
// and put back on the queue.
func (w *Worker) ProcessJob(ctx context.Context, jobID string) (ok bool) {
	lg := w.log.WithValues("jobId", jobID)
	run := &jobRun{jobID: jobID, stage: model.StageInitializing}

	defer func() {
		if r := recover(); r != nil {
			lg.Error(fmt.Errorf("%v", r), "job panicked", "stage", run.stage, "stack", string(debug.Stack()))
			w.fail(ctx, run, apperr.Internal("process job", fmt.Sprintf("unexpected panic: %v", r), nil))
			ok = false
		}
		w.cleanup(run)
	}()

	job, err := w.tracker.MarkProcessing(ctx, jobID, w.opts.ID)
	if err != nil {
		if claimable(err) {
			// Still queued; give it back rather than lose it.
			lg.Info("claim failed, re-enqueueing job", "error", err.Error())
			w.requeueUnclaimed(context.WithoutCancel(ctx), jobID)
			return false
		}
		lg.Info("skipping job", "reason", err.Error())
		return false
	}
	run.job = job
	lg.Info("job claimed", "attempt", job.Attempt)

	cfg, err := w.pipeline.CreatePipelineConfig(job)
	if err != nil {
		w.fail(ctx, run, err)
		return false
	}
	run.workDir = cfg.OutputDir

	// Pipeline
	if w.cancelled(ctx, run) {
		return false
	}
	result, err := w.runPipeline(ctx, run, cfg)
	switch {
	case errors.Is(err, errCancelRequested):
		w.cancel(ctx, run)
		return false
	case w.interrupted(ctx, run):
		return false
	case err != nil:
		w.fail(ctx, run, err)
		return false
	}

	// Upload
	if w.cancelled(ctx, run) {
		return false
	}
	w.stageComplete(ctx, run, model.StageRender)
	run.stage = model.StageUpload
	w.report(ctx, run, 96, "Uploading artifacts...")

	video := w.uploads.UploadVideo(ctx, result.VideoPath, jobID, job.OwnerID, string(cfg.Quality))
	if w.interrupted(ctx, run) {
		return false
	}
	if !video.Success {
		w.fail(ctx, run, upload.Failure("video", video))
		return false
	}
	thumbnails := w.uploads.UploadThumbnails(ctx, result.ThumbnailPaths, jobID, job.OwnerID)
	if w.interrupted(ctx, run) {
		return false
	}
	w.stageComplete(ctx, run, model.StageUpload)

	// Metadata
	if w.cancelled(ctx, run) {
		return false
	}
	run.stage = model.StageMetadata
	w.report(ctx, run, 98, "Storing metadata...")

	tech, err := w.metadata.ExtractMetadata(ctx, result.VideoPath)
	if err != nil {
		lg.Info("artifact inspection failed, storing without technical metadata", "error", err.Error())
		tech = model.TechnicalMetadata{Size: video.Size}
	}
	if _, err := w.metadata.StoreMetadata(ctx, jobID, job.OwnerID, tech, result.Metadata, video, thumbnails); err != nil {
		if w.interrupted(ctx, run) {
			return false
		}
		w.fail(ctx, run, err)
		return false
	}
	w.stageComplete(ctx, run, model.StageMetadata)

	// Finalize
	run.stage = model.StageFinalizing
	jobResult := &model.JobResult{
		VideoURL:      video.URL,
		SignedURL:     video.SignedURL,
		ThumbnailURLs: successfulURLs(thumbnails),
	}
	if _, err := w.tracker.MarkCompleted(ctx, jobID, jobResult); err != nil && !errors.Is(err, progress.ErrDeferred) {
		lg.Error(err, "failed to record job completion")
		return false
	}
	run.terminal = true
	run.succeeded = true
	lg.Info("job completed", "thumbnails", len(jobResult.ThumbnailURLs), "pipelineRetries", run.retries)
	return true
}

// jobRun is the per-job state threaded through ProcessJob
type jobRun struct {
	jobID     string
	job       *model.Job
	stage     string
	retries   int
	workDir   string
	terminal  bool
	succeeded bool
	// interrupted is set when shutdown stopped the job before a terminal status
	interrupted bool
}

func (w *Worker) runPipeline(ctx context.Context, run *jobRun, cfg *pipeline.Config) (*pipeline.Result, error) {
	run.stage = model.StagePlanning
	callback := w.pipeline.CreateProgressCallback(run.jobID)

	var result *pipeline.Result
	policy := retry.Policy{
		MaxAttempts: w.opts.PipelineAttempts,
		BaseDelay:   w.opts.RetryDelay,
		MaxDelay:    4 * w.opts.RetryDelay,
		Jitter:      0.2,
		Retryable: func(err error) bool {
			return !errors.Is(err, errCancelRequested) && apperr.IsRetryable(err)
		},
		OnRetry: func(attempt int, err error, next time.Duration) {
			w.log.Info("pipeline attempt failed, retrying", "jobId", run.jobID, "attempt", attempt, "next", next, "error", err.Error())
		},
	}

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		if attempt > 1 && w.cancelRequested(ctx, run.jobID) {
			return errCancelRequested
		}
		r, err := w.pipeline.ExecutePipeline(ctx, cfg, callback)
		if err != nil {
			return err
		}
		result = r
		return nil
	})
	run.retries = max(attempts-1, 0)
	if err != nil {
		return nil, err
	}

	if job, gerr := w.tracker.GetStatus(ctx, run.jobID); gerr == nil && job.CurrentStage != "" {
		run.stage = job.CurrentStage
	}
	return result, nil
}

// fail records the single terminal failure of a job
func (w *Worker) fail(ctx context.Context, run *jobRun, cause error) {
	if run.terminal {
		return
	}
	run.terminal = true

	stage := run.stage
	if stage == model.StagePlanning {
		// The pipeline reports its own stages; blame the last one it reached.
		if job, err := w.tracker.GetStatus(context.WithoutCancel(ctx), run.jobID); err == nil &&
			job.CurrentStage != "" && job.CurrentStage != model.StageInitializing {
			stage = job.CurrentStage
		}
	}
	if e := apperr.Classify(cause); e != nil && e.Stage != "" {
		stage = e.Stage
	}

	w.log.Info("job failed", "jobId", run.jobID, "stage", stage, "retries", run.retries, "error", cause.Error())
	if _, err := w.tracker.HandleError(ctx, run.jobID, cause, stage, run.retries); err != nil && !errors.Is(err, progress.ErrDeferred) {
		w.log.Error(err, "failed to record job failure", "jobId", run.jobID)
	}
}

// cancel records the cancelled terminal status at a stage boundary
func (w *Worker) cancel(ctx context.Context, run *jobRun) {
	if run.terminal {
		return
	}
	run.terminal = true
	reason := fmt.Sprintf("cancelled before %s", run.stage)
	if _, err := w.tracker.MarkCancelled(ctx, run.jobID, reason); err != nil && !errors.Is(err, progress.ErrDeferred) {
		w.log.Error(err, "failed to record job cancellation", "jobId", run.jobID)
		return
	}
	w.log.Info("job cancelled", "jobId", run.jobID, "stage", run.stage)
}

// cancelled checks the cancel marker and, when set, records the cancellation
func (w *Worker) cancelled(ctx context.Context, run *jobRun) bool {
	if w.interrupted(ctx, run) {
		return true
	}
	if !w.cancelRequested(ctx, run.jobID) {
		return false
	}
	w.cancel(ctx, run)
	return true
}

func (w *Worker) cancelRequested(ctx context.Context, jobID string) bool {
	requested, err := w.tracker.IsCancelRequested(ctx, jobID)
	if err != nil {
		w.log.Info("cancel check failed, continuing", "jobId", jobID, "error", err.Error())
		return false
	}
	return requested
}

// interrupted reports whether ctx was cancelled by worker shutdown and, if so,
// leaves the job resumable and puts it back on the queue.
func (w *Worker) interrupted(ctx context.Context, run *jobRun) bool {
	if ctx.Err() == nil || run.terminal {
		return false
	}
	run.terminal = true
	run.interrupted = true

	detached := context.WithoutCancel(ctx)
	if err := w.tracker.MarkInterrupted(detached, run.jobID); err != nil {
		w.log.Error(err, "failed to mark job interrupted", "jobId", run.jobID)
	}
	priority := 0
	if run.job != nil {
		priority = run.job.Priority
	}
	w.requeue(detached, run.jobID, priority)
	w.log.Info("job interrupted", "jobId", run.jobID, "stage", run.stage)
	return true
}

func (w *Worker) requeue(ctx context.Context, jobID string, priority int) {
	if err := w.queue.Enqueue(ctx, jobID, priority); err != nil {
		w.log.Error(err, "failed to re-enqueue job", "jobId", jobID)
	}
}

func (w *Worker) stageComplete(ctx context.Context, run *jobRun, stage string) {
	if err := w.tracker.MarkStageComplete(ctx, run.jobID, stage); err != nil {
		w.log.Info("dropping stage completion", "jobId", run.jobID, "stage", stage, "error", err.Error())
	}
}

func (w *Worker) report(ctx context.Context, run *jobRun, pct float64, message string) {
	if err := w.tracker.UpdateProgress(ctx, run.jobID, run.stage, pct, message); err != nil {
		w.log.Info("dropping progress report", "jobId", run.jobID, "stage", run.stage, "error", err.Error())
	}
}

func (w *Worker) cleanup(run *jobRun) {
	if run.workDir == "" {
		return
	}
	switch w.opts.Cleanup {
	case config.CleanupNever:
		return
	case config.CleanupOnSuccess:
		if !run.succeeded {
			return
		}
	default:
		if !run.terminal || run.interrupted {
			return
		}
	}
	if err := os.RemoveAll(run.workDir); err != nil {
		w.log.Info("failed to remove work dir", "jobId", run.jobID, "dir", run.workDir, "error", err.Error())
	}
}

// claimable reports whether a failed claim left the job waiting to be claimed
func claimable(err error) bool {
	return !errors.Is(err, progress.ErrTerminal) &&
		!errors.Is(err, progress.ErrInvalidTransition) &&
		!errors.Is(err, store.ErrNotFound)
}

func (w *Worker) requeueUnclaimed(ctx context.Context, jobID string) {
	priority := 0
	if job, err := w.tracker.GetStatus(ctx, jobID); err == nil {
		priority = job.Priority
	}
	w.requeue(ctx, jobID, priority)
}

func successfulURLs(results []model.UploadResult) []string {
	urls := make([]string, 0, len(results))
	for _, r := range results {
		if r.Success {
			urls = append(urls, r.URL)
		}
	}
	return urls
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
