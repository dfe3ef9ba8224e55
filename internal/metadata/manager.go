// Package metadata extracts technical attributes from finished artifacts and
// keeps one versioned record per job that links them to the uploaded objects.
package metadata

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/go-logr/logr"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
)

// DefaultQuality labels a video uploaded without a quality tag
const DefaultQuality = "default"

// Manager extracts, stores and serves job metadata
type Manager struct {
	extractor    Extractor
	store        Store
	signedURLTTL time.Duration
	log          logr.Logger
}

// NewManager creates a metadata manager. signedURLTTL is used to stamp the
// expiry of signed URLs copied into the record.
func NewManager(extractor Extractor, store Store, signedURLTTL time.Duration) *Manager {
	return &Manager{
		extractor:    extractor,
		store:        store,
		signedURLTTL: signedURLTTL,
		log:          log.WithName("metadata"),
	}
}

// ExtractMetadata inspects the artifact. When inspection fails the result
// degrades to the file size; only an unreadable file is an error.
func (m *Manager) ExtractMetadata(ctx context.Context, path string) (model.TechnicalMetadata, error) {
	info, err := os.Stat(path)
	if err != nil {
		return model.TechnicalMetadata{}, fmt.Errorf("stat artifact: %w", err)
	}

	meta, err := m.extractor.Extract(ctx, path)
	if err != nil {
		m.log.Info("media inspection failed, keeping file size only", "path", path, "error", err.Error())
		return model.TechnicalMetadata{Size: info.Size()}, nil
	}
	if meta.Size == 0 {
		meta.Size = info.Size()
	}
	return meta, nil
}

// StoreMetadata upserts the job's record from the technical attributes and
// the successful uploads. Failed thumbnail uploads are left out. attrs are
// the pipeline's own metadata; they fill technical fields inspection left
// empty and are kept on the record as reported.
func (m *Manager) StoreMetadata(ctx context.Context, jobID, ownerID string, tech model.TechnicalMetadata, attrs map[string]interface{}, video model.UploadResult, thumbnails []model.UploadResult) (*model.VideoMetadata, error) {
	rec := m.buildRecord(jobID, ownerID, mergeAttributes(tech, attrs), video, thumbnails)
	if len(attrs) > 0 {
		rec.Attributes = attrs
	}
	stored, err := m.store.Upsert(ctx, rec)
	if err != nil {
		return nil, apperr.Store("store metadata", "metadata upsert failed", err)
	}
	m.log.Info("metadata stored", "jobId", jobID, "version", stored.Version,
		"urls", len(stored.URLs)+len(stored.ThumbnailURLs))
	return stored, nil
}

// GetMetadata returns the job's record, or nil when none exists
func (m *Manager) GetMetadata(ctx context.Context, jobID string) (*model.VideoMetadata, error) {
	meta, err := m.store.Get(ctx, jobID)
	if err != nil {
		return nil, apperr.Store("get metadata", "metadata lookup failed", err)
	}
	return meta, nil
}

func (m *Manager) buildRecord(jobID, ownerID string, tech model.TechnicalMetadata, video model.UploadResult, thumbnails []model.UploadResult) *model.VideoMetadata {
	quality := video.Quality
	if quality == "" {
		quality = DefaultQuality
	}
	if tech.Size == 0 {
		tech.Size = video.Size
	}

	rec := &model.VideoMetadata{
		JobID:         jobID,
		OwnerID:       ownerID,
		URLs:          map[string]string{},
		SignedURLs:    map[string]string{},
		ThumbnailURLs: []string{},
		Technical:     tech,
		Keys:          []string{},
	}

	if video.Success {
		rec.URLs[quality] = video.URL
		rec.Keys = append(rec.Keys, video.Key)
		if video.SignedURL != "" {
			rec.SignedURLs[quality] = video.SignedURL
			expires := time.Now().UTC().Add(m.signedURLTTL)
			rec.SignedExpiresAt = &expires
		}
	}
	for _, t := range thumbnails {
		if !t.Success {
			continue
		}
		rec.ThumbnailURLs = append(rec.ThumbnailURLs, t.URL)
		rec.Keys = append(rec.Keys, t.Key)
	}
	return rec
}

// mergeAttributes copies well-known pipeline attributes into zero technical fields
func mergeAttributes(tech model.TechnicalMetadata, attrs map[string]interface{}) model.TechnicalMetadata {
	if len(attrs) == 0 {
		return tech
	}
	if tech.Duration == 0 {
		tech.Duration = numberAttr(attrs, "duration")
	}
	if tech.Width == 0 {
		tech.Width = int(numberAttr(attrs, "width"))
	}
	if tech.Height == 0 {
		tech.Height = int(numberAttr(attrs, "height"))
	}
	if tech.Size == 0 {
		tech.Size = int64(numberAttr(attrs, "size"))
	}
	if tech.BitRate == 0 {
		tech.BitRate = int64(numberAttr(attrs, "bitRate", "bit_rate"))
	}
	if tech.FrameRate == 0 {
		tech.FrameRate = numberAttr(attrs, "frameRate", "fps")
	}
	if tech.VideoCodec == "" {
		tech.VideoCodec = stringAttr(attrs, "videoCodec", "video_codec")
	}
	if tech.AudioCodec == "" {
		tech.AudioCodec = stringAttr(attrs, "audioCodec", "audio_codec")
	}
	if tech.Format == "" {
		tech.Format = stringAttr(attrs, "format")
	}
	return tech
}

func numberAttr(attrs map[string]interface{}, keys ...string) float64 {
	for _, key := range keys {
		switch v := attrs[key].(type) {
		case float64:
			return v
		case float32:
			return float64(v)
		case int:
			return float64(v)
		case int64:
			return float64(v)
		case json.Number:
			if f, err := v.Float64(); err == nil {
				return f
			}
		case string:
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				return f
			}
		}
	}
	return 0
}

func stringAttr(attrs map[string]interface{}, keys ...string) string {
	for _, key := range keys {
		if v, ok := attrs[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
