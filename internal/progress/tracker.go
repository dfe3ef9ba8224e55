// Package progress owns every mutation of a job record once the job has been
// picked up: status transitions, progress percentage, stage bookkeeping and
// the terminal write. All writes are optimistic read-modify-write cycles on
// the job store, so concurrent callbacks and several worker processes can
// target the same job without losing updates.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/go-logr/logr"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/retry"
	"github.com/makeasinger/jobengine/internal/store"
)

var (
	// ErrTerminal is returned when a status change targets a finished job
	ErrTerminal = errors.New("job is in a terminal state")
	// ErrInvalidTransition is returned for a status change the state machine does not allow
	ErrInvalidTransition = errors.New("invalid job status transition")
	// ErrInvalidProgress is returned for a percentage that cannot be clamped (NaN)
	ErrInvalidProgress = errors.New("invalid progress percentage")
	// ErrDeferred is returned when a terminal write could not be applied
	// directly and was handed to the durable finalizer instead.
	ErrDeferred = errors.New("terminal write deferred to finalizer")
)

// Notifier receives a snapshot of the job after every accepted write.
// Implementations must not block.
type Notifier interface {
	Notify(job *model.Job)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(job *model.Job)

func (f NotifierFunc) Notify(job *model.Job) { f(job) }

// TerminalWrite describes a terminal status change so it can be re-applied later
type TerminalWrite struct {
	JobID  string           `json:"jobId"`
	Status model.JobStatus  `json:"status"`
	Error  *model.JobError  `json:"error,omitempty"`
	Result *model.JobResult `json:"result,omitempty"`
	Reason string           `json:"reason,omitempty"`
}

// Finalizer durably retries terminal writes that exhausted their local attempts
type Finalizer interface {
	Schedule(ctx context.Context, w TerminalWrite) error
}

// Options tunes the tracker's retry behaviour
type Options struct {
	// StageOrder is the forward ordering of known stages.
	StageOrder []string
	// WriteAttempts bounds best-effort writes (progress, stage completion).
	WriteAttempts int
	// TerminalAttempts bounds terminal writes before the finalizer takes over.
	TerminalAttempts int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		StageOrder:       model.DefaultStageOrder,
		WriteAttempts:    3,
		TerminalAttempts: 10,
		BaseDelay:        100 * time.Millisecond,
		MaxDelay:         5 * time.Second,
	}
}

// Tracker is the exclusive writer of job status and progress fields
type Tracker struct {
	store     store.JobStore
	opts      Options
	rank      map[string]int
	notifiers []Notifier
	finalizer Finalizer
	log       logr.Logger
}

// NewTracker creates a tracker over the given job store
func NewTracker(jobs store.JobStore, opts Options) *Tracker {
	if len(opts.StageOrder) == 0 {
		opts.StageOrder = model.DefaultStageOrder
	}
	rank := make(map[string]int, len(opts.StageOrder))
	for i, stage := range opts.StageOrder {
		rank[stage] = i
	}
	return &Tracker{
		store: jobs,
		opts:  opts,
		rank:  rank,
		log:   log.WithName("progress"),
	}
}

// AddNotifier registers a receiver for job snapshots
func (t *Tracker) AddNotifier(n Notifier) {
	t.notifiers = append(t.notifiers, n)
}

// SetFinalizer installs the durable fallback for terminal writes
func (t *Tracker) SetFinalizer(f Finalizer) {
	t.finalizer = f
}

// GetStatus returns the current job record
func (t *Tracker) GetStatus(ctx context.Context, jobID string) (*model.Job, error) {
	return t.store.Get(ctx, jobID)
}

// IsCancelRequested reports whether the job should stop at the next stage boundary
func (t *Tracker) IsCancelRequested(ctx context.Context, jobID string) (bool, error) {
	job, err := t.store.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	return job.CancelRequested || job.Status == model.JobStatusCancelled, nil
}

// MarkProcessing claims a queued job for workerID. A processing job flagged as
// interrupted may be claimed again so it resumes after a forced shutdown.
func (t *Tracker) MarkProcessing(ctx context.Context, jobID, workerID string) (*model.Job, error) {
	job, err := t.write(ctx, jobID, t.opts.WriteAttempts, func(job *model.Job) error {
		switch {
		case job.Status.IsTerminal():
			return ErrTerminal
		case job.Status == model.JobStatusQueued:
		case job.Status == model.JobStatusProcessing && job.Interrupted:
		default:
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, model.JobStatusProcessing)
		}

		now := time.Now().UTC()
		job.Status = model.JobStatusProcessing
		job.WorkerID = workerID
		job.Interrupted = false
		job.Attempt++
		if job.StartedAt == nil {
			job.StartedAt = &now
		}
		if job.CurrentStage == "" {
			job.CurrentStage = model.StageInitializing
		}
		job.Message = "processing started"
		return nil
	})
	if err != nil {
		return nil, err
	}
	t.notify(job)
	return job, nil
}

// UpdateProgress merges stage, percentage and message into a processing job.
// Percentages are clamped to [0,100] and never move backwards; a stage that
// ranks before the current one is dropped as stale. Writes to jobs that are
// not processing are ignored.
func (t *Tracker) UpdateProgress(ctx context.Context, jobID, stage string, pct float64, message string) error {
	if math.IsNaN(pct) {
		return ErrInvalidProgress
	}
	pct = clamp(pct)

	changed := false
	job, err := t.write(ctx, jobID, t.opts.WriteAttempts, func(job *model.Job) error {
		changed = false
		if job.Status != model.JobStatusProcessing {
			return store.ErrUnchanged
		}
		if t.isBackward(job.CurrentStage, stage) {
			t.log.Info("dropping out-of-order stage report",
				"jobId", jobID, "stage", stage, "currentStage", job.CurrentStage)
			return store.ErrUnchanged
		}

		if pct > job.Progress {
			job.Progress = pct
			changed = true
		}
		if stage != "" && stage != job.CurrentStage {
			job.CurrentStage = stage
			changed = true
		}
		if message != "" && message != job.Message {
			job.Message = message
			changed = true
		}
		if !changed {
			return store.ErrUnchanged
		}
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		t.notify(job)
	}
	return nil
}

// MarkStageComplete records stage as completed; repeating it is a no-op
func (t *Tracker) MarkStageComplete(ctx context.Context, jobID, stage string) error {
	changed := false
	job, err := t.write(ctx, jobID, t.opts.WriteAttempts, func(job *model.Job) error {
		changed = false
		if job.Status != model.JobStatusProcessing || job.HasCompletedStage(stage) {
			return store.ErrUnchanged
		}
		job.CompletedStages = append(job.CompletedStages, stage)
		if !t.isBackward(job.CurrentStage, stage) {
			job.CurrentStage = stage
		}
		changed = true
		return nil
	})
	if err != nil {
		return err
	}
	if changed {
		t.log.V(1).Info("stage completed", "jobId", jobID, "stage", stage)
		t.notify(job)
	}
	return nil
}

// MarkInterrupted flags a processing job as safely resumable after its worker
// was stopped mid-run. The job keeps its processing status.
func (t *Tracker) MarkInterrupted(ctx context.Context, jobID string) error {
	job, err := t.write(context.WithoutCancel(ctx), jobID, t.opts.TerminalAttempts, func(job *model.Job) error {
		if job.Status != model.JobStatusProcessing {
			return store.ErrUnchanged
		}
		job.Interrupted = true
		job.WorkerID = ""
		job.Message = "interrupted by worker shutdown, waiting to resume"
		return nil
	})
	if err != nil {
		return err
	}
	t.notify(job)
	return nil
}

// RequestCancel cancels a queued job immediately, or marks a processing job so
// its worker stops at the next stage boundary.
func (t *Tracker) RequestCancel(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := t.write(ctx, jobID, t.opts.WriteAttempts, func(job *model.Job) error {
		switch job.Status {
		case model.JobStatusQueued:
			now := time.Now().UTC()
			job.Status = model.JobStatusCancelled
			job.CancelRequested = true
			job.CompletedAt = &now
			job.Message = "cancelled before processing"
			return nil
		case model.JobStatusProcessing:
			if job.CancelRequested {
				return store.ErrUnchanged
			}
			job.CancelRequested = true
			return nil
		default:
			return ErrTerminal
		}
	})
	if err != nil {
		return nil, err
	}
	t.notify(job)
	return job, nil
}

// HandleError writes the failed terminal status with a normalized error record.
// Progress and completed stages are left as they were.
func (t *Tracker) HandleError(ctx context.Context, jobID string, cause error, stage string, retryCount int) (*model.Job, error) {
	return t.terminal(ctx, TerminalWrite{
		JobID:  jobID,
		Status: model.JobStatusFailed,
		Error:  apperr.ToJobError(cause, stage, retryCount),
	})
}

// MarkCompleted writes the completed terminal status with the job result
func (t *Tracker) MarkCompleted(ctx context.Context, jobID string, result *model.JobResult) (*model.Job, error) {
	return t.terminal(ctx, TerminalWrite{
		JobID:  jobID,
		Status: model.JobStatusCompleted,
		Result: result,
	})
}

// MarkCancelled writes the cancelled terminal status
func (t *Tracker) MarkCancelled(ctx context.Context, jobID, reason string) (*model.Job, error) {
	return t.terminal(ctx, TerminalWrite{
		JobID:  jobID,
		Status: model.JobStatusCancelled,
		Reason: reason,
	})
}

// ApplyTerminal applies a terminal write once, without local retries.
// A job that already reached the same terminal status is reported as success.
func (t *Tracker) ApplyTerminal(ctx context.Context, w TerminalWrite) (*model.Job, error) {
	job, err := t.store.Update(ctx, w.JobID, terminalFn(w))
	if err != nil {
		return nil, err
	}
	t.notify(job)
	return job, nil
}

func (t *Tracker) terminal(ctx context.Context, w TerminalWrite) (*model.Job, error) {
	// Losing a terminal write leaves the job stuck, so it outlives the caller's context.
	ctx = context.WithoutCancel(ctx)

	job, err := t.write(ctx, w.JobID, t.opts.TerminalAttempts, terminalFn(w))
	if err == nil {
		t.log.Info("job reached terminal status", "jobId", w.JobID, "status", w.Status)
		t.notify(job)
		return job, nil
	}
	if !isRetryableWrite(err) || t.finalizer == nil {
		return nil, err
	}

	if ferr := t.finalizer.Schedule(ctx, w); ferr != nil {
		t.log.Error(ferr, "failed to schedule terminal write", "jobId", w.JobID, "status", w.Status)
		return nil, err
	}
	t.log.Info("terminal write deferred to finalizer", "jobId", w.JobID, "status", w.Status)
	return nil, fmt.Errorf("%w: %v", ErrDeferred, err)
}

func terminalFn(w TerminalWrite) func(job *model.Job) error {
	return func(job *model.Job) error {
		if job.Status.IsTerminal() {
			if job.Status == w.Status {
				return store.ErrUnchanged
			}
			return ErrTerminal
		}

		switch w.Status {
		case model.JobStatusCompleted, model.JobStatusFailed:
			if job.Status != model.JobStatusProcessing {
				return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.Status, w.Status)
			}
		case model.JobStatusCancelled:
		default:
			return fmt.Errorf("%w: %s is not terminal", ErrInvalidTransition, w.Status)
		}

		now := time.Now().UTC()
		job.Status = w.Status
		job.CompletedAt = &now
		job.Interrupted = false

		switch w.Status {
		case model.JobStatusCompleted:
			job.Progress = 100
			job.CurrentStage = model.StageFinalizing
			job.Result = w.Result
			job.Error = nil
			job.Message = "completed"
		case model.JobStatusFailed:
			job.Error = w.Error
			if w.Error != nil {
				job.Message = w.Error.Message
			}
		case model.JobStatusCancelled:
			job.CancelRequested = true
			job.Message = w.Reason
			if job.Message == "" {
				job.Message = "cancelled"
			}
		}
		return nil
	}
}

// write runs a retried optimistic update. Store failures are retried; state
// machine rejections are returned immediately.
func (t *Tracker) write(ctx context.Context, jobID string, attempts int, fn func(job *model.Job) error) (*model.Job, error) {
	var job *model.Job
	policy := retry.Policy{
		MaxAttempts: attempts,
		BaseDelay:   t.opts.BaseDelay,
		MaxDelay:    t.opts.MaxDelay,
		Jitter:      0.5,
		Retryable:   isRetryableWrite,
		OnRetry: func(attempt int, err error, next time.Duration) {
			t.log.Info("retrying job store write", "jobId", jobID, "attempt", attempt, "next", next, "error", err.Error())
		},
	}
	_, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		j, err := t.store.Update(ctx, jobID, fn)
		if err != nil {
			return err
		}
		job = j
		return nil
	})
	if err != nil {
		if isRetryableWrite(err) {
			return nil, apperr.Store("update job", "job store write failed", err)
		}
		return nil, err
	}
	return job, nil
}

func isRetryableWrite(err error) bool {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, ErrTerminal),
		errors.Is(err, ErrInvalidTransition),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return false
	}
	return true
}

func (t *Tracker) isBackward(current, next string) bool {
	if current == "" || next == "" {
		return false
	}
	cur, ok := t.rank[current]
	if !ok {
		return false
	}
	nxt, ok := t.rank[next]
	if !ok {
		return false
	}
	return nxt < cur
}

func (t *Tracker) notify(job *model.Job) {
	if job == nil {
		return
	}
	for _, n := range t.notifiers {
		n.Notify(job)
	}
}

func clamp(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}
