package store

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

var (
	// ErrNotFound is returned when no record exists for a job id
	ErrNotFound = errors.New("job not found")
	// ErrExists is returned by Create when the job id is already taken
	ErrExists = errors.New("job already exists")
	// ErrConflict is returned when an optimistic update lost every race
	ErrConflict = errors.New("job update conflict")
	// ErrUnchanged may be returned by an update function to skip the write.
	// The function must return it before mutating the job.
	ErrUnchanged = errors.New("job unchanged")
)

// JobStore persists job records keyed by job id
type JobStore interface {
	Create(ctx context.Context, job *model.Job) error
	Get(ctx context.Context, jobID string) (*model.Job, error)
	// Update applies fn to the current record and writes it back atomically.
	// Concurrent writers never lose each other's updates.
	Update(ctx context.Context, jobID string, fn func(job *model.Job) error) (*model.Job, error)
}

// RedisStore keeps each job as a JSON document under job:<id> and serializes
// writers with WATCH/MULTI/EXEC, so it stays correct across worker processes.
type RedisStore struct {
	redis       *redis.Client
	retention   time.Duration
	casAttempts int
}

// NewRedisStore creates a job store. retention bounds how long finished
// records survive; casAttempts bounds optimistic retries per update.
func NewRedisStore(redisClient *redis.Client, retention time.Duration, casAttempts int) *RedisStore {
	if casAttempts < 1 {
		casAttempts = 1
	}
	return &RedisStore{
		redis:       redisClient,
		retention:   retention,
		casAttempts: casAttempts,
	}
}

func jobKey(jobID string) string {
	return fmt.Sprintf("job:%s", jobID)
}

// Create saves a new job record, refusing to overwrite an existing one
func (s *RedisStore) Create(ctx context.Context, job *model.Job) error {
	now := time.Now().UTC()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now
	if job.CompletedStages == nil {
		job.CompletedStages = []string{}
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	ok, err := s.redis.SetNX(ctx, jobKey(job.ID), data, s.retention).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Get loads a job record
func (s *RedisStore) Get(ctx context.Context, jobID string) (*model.Job, error) {
	data, err := s.redis.Get(ctx, jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return decodeJob(data)
}

// Update performs an optimistic read-modify-write of the job record
func (s *RedisStore) Update(ctx context.Context, jobID string, fn func(job *model.Job) error) (*model.Job, error) {
	key := jobKey(jobID)

	var updated *model.Job
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return ErrNotFound
			}
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}

		if err := fn(job); err != nil {
			if errors.Is(err, ErrUnchanged) {
				updated = job
				return nil
			}
			return err
		}

		job.Version++
		job.UpdatedAt = time.Now().UTC()
		out, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, out, s.retention)
			return nil
		})
		if err != nil {
			return err
		}
		updated = job
		return nil
	}

	for attempt := 0; attempt < s.casAttempts; attempt++ {
		err := s.redis.Watch(ctx, txf, key)
		if err == nil {
			return updated, nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return nil, err
		}
		// Lost the race; back off briefly so concurrent writers spread out.
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(rand.Intn(2000)+200) * time.Microsecond):
		}
	}
	return nil, ErrConflict
}

func decodeJob(data []byte) (*model.Job, error) {
	var job model.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	if job.CompletedStages == nil {
		job.CompletedStages = []string{}
	}
	return &job, nil
}
