package model

import "time"

// WebSocket message types
const (
	WSMessageTypeProgress = "progress"
	WSMessageTypeComplete = "complete"
	WSMessageTypeError    = "error"
	WSMessageTypeCancel   = "cancelled"
	WSMessageTypePing     = "ping"
	WSMessageTypePong     = "pong"
)

// WSMessage represents a generic WebSocket message
type WSMessage struct {
	Type string `json:"type"`
}

// WSProgressMessage represents a progress update
type WSProgressMessage struct {
	Type            string    `json:"type"`
	JobID           string    `json:"jobId"`
	Progress        float64   `json:"progress"`
	Status          JobStatus `json:"status"`
	Stage           string    `json:"stage,omitempty"`
	Message         string    `json:"message,omitempty"`
	CompletedStages []string  `json:"completedStages,omitempty"`
}

// WSCompleteMessage represents job completion
type WSCompleteMessage struct {
	Type   string     `json:"type"`
	JobID  string     `json:"jobId"`
	Result *JobResult `json:"result"`
}

// WSErrorMessage represents an error
type WSErrorMessage struct {
	Type  string  `json:"type"`
	JobID string  `json:"jobId"`
	Error WSError `json:"error"`
}

// WSError represents error details
type WSError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Stage   string `json:"stage,omitempty"`
}

// JobEvent is published on the message bus whenever a job record changes
type JobEvent struct {
	JobID      string     `json:"jobId"`
	OwnerID    string     `json:"ownerId,omitempty"`
	Status     JobStatus  `json:"status"`
	Progress   float64    `json:"progress"`
	Stage      string     `json:"stage,omitempty"`
	Message    string     `json:"message,omitempty"`
	Error      *JobError  `json:"error,omitempty"`
	Result     *JobResult `json:"result,omitempty"`
	Stages     []string   `json:"completedStages,omitempty"`
	HappenedAt time.Time  `json:"happenedAt"`
	// Origin identifies the publishing process so relays can skip their own events
	Origin string `json:"origin,omitempty"`
}

// NewJobEvent snapshots a job record into an event
func NewJobEvent(job *Job) JobEvent {
	return JobEvent{
		JobID:      job.ID,
		OwnerID:    job.OwnerID,
		Status:     job.Status,
		Progress:   job.Progress,
		Stage:      job.CurrentStage,
		Message:    job.Message,
		Error:      job.Error,
		Result:     job.Result,
		Stages:     job.CompletedStages,
		HappenedAt: time.Now(),
	}
}
