package model

// Job status
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
	JobStatusCancelled  JobStatus = "cancelled"
)

// IsTerminal reports whether no further transition may leave this status
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCancelled:
		return true
	}
	return false
}

// Pipeline stages
const (
	StageInitializing   = "initializing"
	StagePlanning       = "planning"
	StageCodeGeneration = "code_generation"
	StageRender         = "render"
	StagePostProcessing = "post_processing"
	StageUpload         = "upload"
	StageMetadata       = "metadata"
	StageFinalizing     = "finalizing"
)

// DefaultStageOrder is the forward ordering used to reject stale stage reports
var DefaultStageOrder = []string{
	StageInitializing,
	StagePlanning,
	StageCodeGeneration,
	StageRender,
	StagePostProcessing,
	StageUpload,
	StageMetadata,
	StageFinalizing,
}

// Quality levels
type Quality string

const (
	QualityLow        Quality = "low"
	QualityMedium     Quality = "medium"
	QualityHigh       Quality = "high"
	QualityProduction Quality = "production"
)

// QualityProfile maps a quality level onto render parameters
type QualityProfile struct {
	Width  int
	Height int
	FPS    int
}

var QualityProfiles = map[Quality]QualityProfile{
	QualityLow:        {Width: 854, Height: 480, FPS: 15},
	QualityMedium:     {Width: 1280, Height: 720, FPS: 30},
	QualityHigh:       {Width: 1920, Height: 1080, FPS: 60},
	QualityProduction: {Width: 3840, Height: 2160, FPS: 60},
}
