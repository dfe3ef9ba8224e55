package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/metadata"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/pipeline"
	"github.com/makeasinger/jobengine/internal/progress"
	"github.com/makeasinger/jobengine/internal/queue"
	"github.com/makeasinger/jobengine/internal/store"
)

var (
	// ErrJobNotFound is returned for unknown jobs and for jobs of other owners
	ErrJobNotFound = errors.New("job not found")
	// ErrMetadataNotFound is returned before a job has stored its metadata
	ErrMetadataNotFound = errors.New("metadata not available")
	// ErrNotCancellable is returned when cancelling a finished job
	ErrNotCancellable = errors.New("job already finished")
)

// JobService handles job submission and the caller-facing job views
type JobService struct {
	jobs     store.JobStore
	queue    queue.Queue
	tracker  *progress.Tracker
	metadata *metadata.Manager
	validate *validator.Validate
	log      logr.Logger
}

func NewJobService(jobs store.JobStore, q queue.Queue, tracker *progress.Tracker, meta *metadata.Manager) *JobService {
	return &JobService{
		jobs:     jobs,
		queue:    q,
		tracker:  tracker,
		metadata: meta,
		validate: validator.New(),
		log:      log.WithName("jobs"),
	}
}

// Submit validates the configuration, records a queued job and enqueues it.
// Configuration problems are returned as apperr configuration errors.
func (s *JobService) Submit(ctx context.Context, ownerID string, req *model.SubmitJobRequest) (*model.SubmitJobResponse, error) {
	raw, err := json.Marshal(req.Config)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	jc, err := pipeline.DecodeJobConfig(raw, s.validate)
	if err != nil {
		return nil, err
	}
	normalized, err := json.Marshal(jc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}

	job := &model.Job{
		ID:        uuid.New().String(),
		OwnerID:   ownerID,
		Config:    normalized,
		Priority:  req.Priority,
		Status:    model.JobStatusQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, job.ID, job.Priority); err != nil {
		// Close the record so pollers see a final state
		if _, cerr := s.tracker.MarkCancelled(ctx, job.ID, "enqueue failed"); cerr != nil {
			s.log.Error(cerr, "failed to cancel unqueued job", "jobId", job.ID)
		}
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.log.Info("job submitted", "jobId", job.ID, "ownerId", ownerID, "priority", job.Priority)
	return &model.SubmitJobResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
	}, nil
}

// Status returns the polling view of an owned job
func (s *JobService) Status(ctx context.Context, ownerID, jobID string) (*model.JobStatusResponse, error) {
	job, err := s.owned(ctx, ownerID, jobID)
	if err != nil {
		return nil, err
	}
	return model.NewStatusResponse(job), nil
}

// Cancel cancels a queued job immediately. A processing job is flagged and
// stops at its next stage boundary; Pending reports that case.
func (s *JobService) Cancel(ctx context.Context, ownerID, jobID string) (*model.JobCancelResponse, error) {
	if _, err := s.owned(ctx, ownerID, jobID); err != nil {
		return nil, err
	}

	job, err := s.tracker.RequestCancel(ctx, jobID)
	if err != nil {
		if errors.Is(err, progress.ErrTerminal) {
			return nil, ErrNotCancellable
		}
		return nil, fmt.Errorf("failed to cancel job: %w", err)
	}

	if job.Status == model.JobStatusCancelled {
		if err := s.queue.Remove(ctx, jobID); err != nil {
			// Workers skip cancelled jobs
			s.log.Error(err, "failed to remove cancelled job from queue", "jobId", jobID)
		}
	}

	s.log.Info("job cancel requested", "jobId", jobID, "status", job.Status)
	return &model.JobCancelResponse{
		Success: true,
		JobID:   jobID,
		Status:  job.Status,
		Pending: job.Status == model.JobStatusProcessing,
	}, nil
}

// Metadata returns the stored metadata record of an owned job
func (s *JobService) Metadata(ctx context.Context, ownerID, jobID string) (*model.VideoMetadata, error) {
	if _, err := s.owned(ctx, ownerID, jobID); err != nil {
		return nil, err
	}
	meta, err := s.metadata.GetMetadata(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, ErrMetadataNotFound
	}
	return meta, nil
}

func (s *JobService) owned(ctx context.Context, ownerID, jobID string) (*model.Job, error) {
	job, err := s.tracker.GetStatus(ctx, jobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("failed to load job: %w", err)
	}
	if job.OwnerID != ownerID {
		return nil, ErrJobNotFound
	}
	return job, nil
}
