package model

import "time"

// UploadResult records one artifact upload attempt sequence; immutable once built
type UploadResult struct {
	SourcePath string        `json:"sourcePath"`
	Key        string        `json:"key"`
	URL        string        `json:"url,omitempty"`
	SignedURL  string        `json:"signedUrl,omitempty"`
	Size       int64         `json:"size"`
	Duration   time.Duration `json:"duration"`
	RetryCount int           `json:"retryCount"`
	Attempts   int           `json:"attempts"`
	Quality    string        `json:"quality,omitempty"`
	Success    bool          `json:"success"`
	Permanent  bool          `json:"permanent,omitempty"`
	Error      string        `json:"error,omitempty"`
}
