package model

import "time"

// TechnicalMetadata holds container and stream attributes read from an artifact
type TechnicalMetadata struct {
	Duration   float64 `json:"duration"`
	Width      int     `json:"width,omitempty"`
	Height     int     `json:"height,omitempty"`
	Size       int64   `json:"size"`
	BitRate    int64   `json:"bitRate,omitempty"`
	VideoCodec string  `json:"videoCodec,omitempty"`
	AudioCodec string  `json:"audioCodec,omitempty"`
	Format     string  `json:"format,omitempty"`
	FrameRate  float64 `json:"frameRate,omitempty"`
}

// VideoMetadata is the per-job record linking technical attributes to stored artifacts
type VideoMetadata struct {
	JobID           string            `json:"jobId"`
	OwnerID         string            `json:"ownerId,omitempty"`
	Version         int64             `json:"version"`
	URLs            map[string]string `json:"urls"`
	SignedURLs      map[string]string `json:"signedUrls,omitempty"`
	SignedExpiresAt *time.Time        `json:"signedExpiresAt,omitempty"`
	ThumbnailURLs   []string          `json:"thumbnailUrls"`
	Technical       TechnicalMetadata `json:"technical"`
	// Attributes are the producer-defined values reported by the pipeline
	Attributes map[string]interface{} `json:"attributes,omitempty"`
	Keys       []string               `json:"keys"`
	CreatedAt  time.Time              `json:"createdAt"`
	UpdatedAt  time.Time              `json:"updatedAt"`
}
