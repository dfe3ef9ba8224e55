package model

import (
	"encoding/json"
	"time"
)

// Job represents a generation job tracked from submission to a terminal outcome
type Job struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"ownerId"`
	Config          json.RawMessage `json:"config"`
	Priority        int             `json:"priority"`
	Status          JobStatus       `json:"status"`
	Progress        float64         `json:"progress"`
	CurrentStage    string          `json:"currentStage,omitempty"`
	Message         string          `json:"message,omitempty"`
	CompletedStages []string        `json:"completedStages"`
	Error           *JobError       `json:"error,omitempty"`
	CancelRequested bool            `json:"cancelRequested,omitempty"`
	Interrupted     bool            `json:"interrupted,omitempty"`
	Attempt         int             `json:"attempt"`
	WorkerID        string          `json:"workerId,omitempty"`
	Result          *JobResult      `json:"result,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
	StartedAt       *time.Time      `json:"startedAt,omitempty"`
	CompletedAt     *time.Time      `json:"completedAt,omitempty"`
	Version         int64           `json:"version"`
}

// JobError is the normalized failure record exposed to API callers
type JobError struct {
	Code       string `json:"code"`
	Category   string `json:"category"`
	Message    string `json:"message"`
	Stage      string `json:"stage,omitempty"`
	RetryCount int    `json:"retryCount"`
}

// JobResult links a completed job to its playable artifacts
type JobResult struct {
	VideoURL      string   `json:"videoUrl"`
	SignedURL     string   `json:"signedUrl,omitempty"`
	ThumbnailURLs []string `json:"thumbnailUrls"`
}

// HasCompletedStage reports whether stage is already recorded as complete
func (j *Job) HasCompletedStage(stage string) bool {
	for _, s := range j.CompletedStages {
		if s == stage {
			return true
		}
	}
	return false
}

// JobConfig is the structured generation request carried by a job
type JobConfig struct {
	Topic       string `json:"topic" validate:"required"`
	Description string `json:"description,omitempty" validate:"max=4000"`
	Quality     string `json:"quality,omitempty" validate:"omitempty,oneof=low medium high production"`
	Style       string `json:"style,omitempty" validate:"max=200"`
	Language    string `json:"language,omitempty" validate:"omitempty,len=2"`
	MaxScenes   int    `json:"maxScenes,omitempty" validate:"gte=0,lte=20"`
	Subtitles   bool   `json:"subtitles,omitempty"`
}

// SubmitJobRequest is the body of a job submission
type SubmitJobRequest struct {
	Config   JobConfig `json:"config" validate:"required"`
	Priority int       `json:"priority" validate:"gte=0,lte=9"`
}

// SubmitJobResponse acknowledges a queued job
type SubmitJobResponse struct {
	JobID     string    `json:"jobId"`
	Status    JobStatus `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
}

// JobStatusResponse is the polling view of a job
type JobStatusResponse struct {
	JobID           string     `json:"jobId"`
	Status          JobStatus  `json:"status"`
	Progress        float64    `json:"progress"`
	CurrentStage    string     `json:"currentStage,omitempty"`
	Message         string     `json:"message,omitempty"`
	CompletedStages []string   `json:"completedStages"`
	Error           *JobError  `json:"error,omitempty"`
	Result          *JobResult `json:"result,omitempty"`
	CancelRequested bool       `json:"cancelRequested,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
	UpdatedAt       time.Time  `json:"updatedAt"`
	StartedAt       *time.Time `json:"startedAt,omitempty"`
	CompletedAt     *time.Time `json:"completedAt,omitempty"`
}

// JobCancelResponse reports the outcome of a cancellation request
type JobCancelResponse struct {
	Success bool      `json:"success"`
	JobID   string    `json:"jobId"`
	Status  JobStatus `json:"status"`
	Pending bool      `json:"pending"`
}

// NewStatusResponse builds the polling view of a job record
func NewStatusResponse(job *Job) *JobStatusResponse {
	stages := job.CompletedStages
	if stages == nil {
		stages = []string{}
	}
	return &JobStatusResponse{
		JobID:           job.ID,
		Status:          job.Status,
		Progress:        job.Progress,
		CurrentStage:    job.CurrentStage,
		Message:         job.Message,
		CompletedStages: stages,
		Error:           job.Error,
		Result:          job.Result,
		CancelRequested: job.CancelRequested,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
}
