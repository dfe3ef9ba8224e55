package metadata

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/makeasinger/jobengine/internal/model"
)

// openTestPostgres connects to POSTGRES_DSN, read from the environment or the
// repository .env file, and skips when none is configured.
func openTestPostgres(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres test in short mode")
	}

	_, filename, _, _ := runtime.Caller(0)
	_ = godotenv.Load(filepath.Join(filepath.Dir(filename), "..", "..", ".env"))

	dsn := os.Getenv("POSTGRES_DSN")
	if dsn == "" {
		t.Skip("skipping: POSTGRES_DSN not configured")
	}

	s, err := OpenPostgresStore(dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	return s
}

func TestPostgresUpsertVersionsRecord(t *testing.T) {
	s := openTestPostgres(t)
	ctx := context.Background()
	jobID := "test-" + uuid.NewString()
	t.Cleanup(func() {
		s.db.Where("job_id = ?", jobID).Delete(&videoMetadataRecord{})
	})

	if got, err := s.Get(ctx, jobID); err != nil || got != nil {
		t.Fatalf("expected no record, got %+v, %v", got, err)
	}

	first, err := s.Upsert(ctx, &model.VideoMetadata{
		JobID:     jobID,
		OwnerID:   "owner-1",
		URLs:      map[string]string{"high": "https://cdn/v1"},
		Technical: model.TechnicalMetadata{Duration: 12.5},
	})
	if err != nil {
		t.Fatalf("first upsert: %v", err)
	}
	if first.Version != 1 || first.URLs["high"] != "https://cdn/v1" || first.OwnerID != "owner-1" {
		t.Fatalf("unexpected first record: %+v", first)
	}

	time.Sleep(10 * time.Millisecond)

	second, err := s.Upsert(ctx, &model.VideoMetadata{
		JobID:      jobID,
		OwnerID:    "owner-1",
		URLs:       map[string]string{"high": "https://cdn/v2"},
		Technical:  model.TechnicalMetadata{Duration: 13},
		Attributes: map[string]interface{}{"scenes": 3},
	})
	if err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	if second.Version != 2 {
		t.Fatalf("version = %d, want 2", second.Version)
	}
	if !second.CreatedAt.Equal(first.CreatedAt) {
		t.Fatalf("created_at changed: %v -> %v", first.CreatedAt, second.CreatedAt)
	}
	if !second.UpdatedAt.After(first.UpdatedAt) {
		t.Fatalf("updated_at not advanced: %v -> %v", first.UpdatedAt, second.UpdatedAt)
	}
	if second.URLs["high"] != "https://cdn/v2" || second.Technical.Duration != 13 || second.Attributes["scenes"] != float64(3) {
		t.Fatalf("later write should win: %+v", second)
	}
}
