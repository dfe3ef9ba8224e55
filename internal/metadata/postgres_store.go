package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/makeasinger/jobengine/internal/model"
)

// videoMetadataRecord is the relational row behind a metadata record.
// The full document is kept as JSON next to the columns used for lookups.
type videoMetadataRecord struct {
	JobID     string `gorm:"primaryKey;size:64"`
	OwnerID   string `gorm:"index;size:128"`
	Version   int64  `gorm:"not null;default:1"`
	Document  []byte `gorm:"type:jsonb;not null"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (videoMetadataRecord) TableName() string { return "video_metadata" }

// PostgresStore persists metadata through gorm
type PostgresStore struct {
	db *gorm.DB
}

// OpenPostgresStore connects to dsn and migrates the metadata table
func OpenPostgresStore(dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewPostgresStore(db)
}

// NewPostgresStore wraps an existing connection
func NewPostgresStore(db *gorm.DB) (*PostgresStore, error) {
	if err := db.AutoMigrate(&videoMetadataRecord{}); err != nil {
		return nil, fmt.Errorf("failed to migrate metadata table: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

// Upsert inserts or overwrites the job's record in one statement
func (s *PostgresStore) Upsert(ctx context.Context, meta *model.VideoMetadata) (*model.VideoMetadata, error) {
	rec, err := toRecord(meta)
	if err != nil {
		return nil, err
	}

	result := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "job_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"owner_id":   rec.OwnerID,
			"document":   rec.Document,
			"version":    gorm.Expr("video_metadata.version + 1"),
			"updated_at": rec.UpdatedAt,
		}),
	}).Create(rec)
	if result.Error != nil {
		return nil, result.Error
	}

	return s.Get(ctx, meta.JobID)
}

// Get loads a job's record
func (s *PostgresStore) Get(ctx context.Context, jobID string) (*model.VideoMetadata, error) {
	var rec videoMetadataRecord
	result := s.db.WithContext(ctx).First(&rec, "job_id = ?", jobID)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, result.Error
	}
	return fromRecord(&rec)
}

func toRecord(meta *model.VideoMetadata) (*videoMetadataRecord, error) {
	doc, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal metadata: %w", err)
	}
	now := time.Now().UTC()
	return &videoMetadataRecord{
		JobID:     meta.JobID,
		OwnerID:   meta.OwnerID,
		Version:   1,
		Document:  doc,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

func fromRecord(rec *videoMetadataRecord) (*model.VideoMetadata, error) {
	var meta model.VideoMetadata
	if err := json.Unmarshal(rec.Document, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	meta.JobID = rec.JobID
	meta.OwnerID = rec.OwnerID
	meta.Version = rec.Version
	meta.CreatedAt = rec.CreatedAt
	meta.UpdatedAt = rec.UpdatedAt
	return &meta, nil
}
