package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"github.com/hibiken/asynq"

	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/progress"
	"github.com/makeasinger/jobengine/internal/store"
)

// TaskTypeFinalize re-applies a terminal write that the tracker could not persist
const TaskTypeFinalize = "job:finalize"

// Enqueuer is the subset of *asynq.Client used to schedule finalize tasks
type Enqueuer interface {
	EnqueueContext(ctx context.Context, task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

// Finalizer implements progress.Finalizer over an asynq queue
type Finalizer struct {
	client   Enqueuer
	queue    string
	maxRetry int
}

// NewFinalizer creates an asynq-backed finalizer
func NewFinalizer(client Enqueuer, queue string, maxRetry int) *Finalizer {
	return &Finalizer{client: client, queue: queue, maxRetry: maxRetry}
}

// NewFinalizeTask builds the task carrying a terminal write
func NewFinalizeTask(w progress.TerminalWrite) (*asynq.Task, error) {
	payload, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal terminal write: %w", err)
	}
	return asynq.NewTask(TaskTypeFinalize, payload), nil
}

// Schedule enqueues the terminal write. One pending task per job and status.
func (f *Finalizer) Schedule(ctx context.Context, w progress.TerminalWrite) error {
	task, err := NewFinalizeTask(w)
	if err != nil {
		return err
	}
	opts := []asynq.Option{
		asynq.MaxRetry(f.maxRetry),
		asynq.TaskID(fmt.Sprintf("finalize:%s:%s", w.JobID, w.Status)),
	}
	if f.queue != "" {
		opts = append(opts, asynq.Queue(f.queue))
	}
	if _, err := f.client.EnqueueContext(ctx, task, opts...); err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return nil
		}
		return fmt.Errorf("failed to enqueue finalize task: %w", err)
	}
	return nil
}

// TerminalApplier is the subset of the tracker used by the finalize handler
type TerminalApplier interface {
	ApplyTerminal(ctx context.Context, w progress.TerminalWrite) (*model.Job, error)
}

// FinalizeHandler processes finalize tasks
type FinalizeHandler struct {
	tracker TerminalApplier
	log     logr.Logger
}

// NewFinalizeHandler creates the finalize task handler
func NewFinalizeHandler(tracker TerminalApplier) *FinalizeHandler {
	return &FinalizeHandler{tracker: tracker, log: log.WithName("finalizer")}
}

// ProcessTask applies the terminal write once; asynq owns the retries
func (h *FinalizeHandler) ProcessTask(ctx context.Context, t *asynq.Task) error {
	var w progress.TerminalWrite
	if err := json.Unmarshal(t.Payload(), &w); err != nil {
		return fmt.Errorf("failed to unmarshal terminal write: %w: %w", err, asynq.SkipRetry)
	}

	if _, err := h.tracker.ApplyTerminal(ctx, w); err != nil {
		if errors.Is(err, progress.ErrTerminal) ||
			errors.Is(err, progress.ErrInvalidTransition) ||
			errors.Is(err, store.ErrNotFound) {
			h.log.Info("dropping terminal write", "jobId", w.JobID, "status", w.Status, "reason", err.Error())
			return nil
		}
		return err
	}
	h.log.Info("terminal write applied", "jobId", w.JobID, "status", w.Status)
	return nil
}
