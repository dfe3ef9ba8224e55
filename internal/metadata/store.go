package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/jobengine/internal/model"
)

// ErrConflict is returned when an upsert lost every optimistic race
var ErrConflict = errors.New("metadata update conflict")

const defaultUpsertAttempts = 8

// Store persists one metadata record per job
type Store interface {
	// Upsert writes the record, bumping its version; the stored record is returned
	Upsert(ctx context.Context, meta *model.VideoMetadata) (*model.VideoMetadata, error)
	// Get returns nil, nil when the job has no metadata
	Get(ctx context.Context, jobID string) (*model.VideoMetadata, error)
}

// RedisStore keeps metadata as JSON under metadata:<jobId>
type RedisStore struct {
	redis     *redis.Client
	retention time.Duration
	attempts  int
}

// NewRedisStore creates a Redis-backed metadata store
func NewRedisStore(redisClient *redis.Client, retention time.Duration) *RedisStore {
	return &RedisStore{redis: redisClient, retention: retention, attempts: defaultUpsertAttempts}
}

func metadataKey(jobID string) string {
	return fmt.Sprintf("metadata:%s", jobID)
}

// Upsert replaces the record, keeping its creation time and incrementing its version
func (s *RedisStore) Upsert(ctx context.Context, meta *model.VideoMetadata) (*model.VideoMetadata, error) {
	key := metadataKey(meta.JobID)
	var stored *model.VideoMetadata

	txf := func(tx *redis.Tx) error {
		rec := *meta
		now := time.Now().UTC()
		rec.CreatedAt = now
		rec.Version = 1

		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case err == nil:
			var prev model.VideoMetadata
			if err := json.Unmarshal(data, &prev); err != nil {
				return fmt.Errorf("failed to unmarshal metadata: %w", err)
			}
			rec.CreatedAt = prev.CreatedAt
			rec.Version = prev.Version + 1
		case errors.Is(err, redis.Nil):
		default:
			return err
		}
		rec.UpdatedAt = now

		out, err := json.Marshal(&rec)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.retention)
			return nil
		})
		if err == nil {
			stored = &rec
		}
		return err
	}

	for attempt := 0; attempt < s.attempts; attempt++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return stored, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Intn(1000)+100) * time.Microsecond):
		}
	}
	return nil, ErrConflict
}

// Get loads a metadata record
func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.VideoMetadata, error) {
	data, err := s.redis.Get(ctx, metadataKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	var meta model.VideoMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
	}
	return &meta, nil
}
