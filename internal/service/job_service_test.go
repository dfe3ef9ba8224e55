package service

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/metadata"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/progress"
	"github.com/makeasinger/jobengine/internal/queue"
	"github.com/makeasinger/jobengine/internal/store"
)

type fixture struct {
	svc     *JobService
	jobs    *store.RedisStore
	queue   *queue.RedisQueue
	tracker *progress.Tracker
	meta    *metadata.RedisStore
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	jobs := store.NewRedisStore(rdb, time.Hour, 5)
	q := queue.NewRedisQueue(rdb, "test")
	tracker := progress.NewTracker(jobs, progress.DefaultOptions())
	metaStore := metadata.NewRedisStore(rdb, time.Hour)
	manager := metadata.NewManager(nil, metaStore, time.Hour)

	return &fixture{
		svc:     NewJobService(jobs, q, tracker, manager),
		jobs:    jobs,
		queue:   q,
		tracker: tracker,
		meta:    metaStore,
	}
}

func submit(t *testing.T, f *fixture, owner string) *model.SubmitJobResponse {
	t.Helper()
	resp, err := f.svc.Submit(context.Background(), owner, &model.SubmitJobRequest{
		Config:   model.JobConfig{Topic: "  Photosynthesis ", Quality: "HIGH"},
		Priority: 3,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	return resp
}

func TestSubmitStoresNormalizedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	resp := submit(t, f, "owner-1")
	if resp.JobID == "" || resp.Status != model.JobStatusQueued {
		t.Fatalf("unexpected response: %+v", resp)
	}

	job, err := f.jobs.Get(ctx, resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if job.OwnerID != "owner-1" || job.Priority != 3 {
		t.Fatalf("unexpected job: %+v", job)
	}
	var jc model.JobConfig
	if err := json.Unmarshal(job.Config, &jc); err != nil {
		t.Fatal(err)
	}
	if jc.Topic != "Photosynthesis" || jc.Quality != "high" || jc.Language != "en" {
		t.Fatalf("config not normalized: %+v", jc)
	}

	id, err := f.queue.Dequeue(ctx)
	if err != nil || id != resp.JobID {
		t.Fatalf("dequeue = %q, %v", id, err)
	}
}

func TestSubmitRejectsInvalidConfig(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Submit(context.Background(), "owner-1", &model.SubmitJobRequest{
		Config: model.JobConfig{Topic: "x", Quality: "ultra"},
	})
	if !apperr.Is(err, apperr.CategoryConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if n, _ := f.queue.Len(context.Background()); n != 0 {
		t.Fatalf("queue length = %d", n)
	}
}

func TestStatusIsOwnerScoped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := submit(t, f, "owner-1")

	status, err := f.svc.Status(ctx, "owner-1", resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if status.Status != model.JobStatusQueued || status.CompletedStages == nil {
		t.Fatalf("unexpected status: %+v", status)
	}

	if _, err := f.svc.Status(ctx, "owner-2", resp.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound for other owner, got %v", err)
	}
	if _, err := f.svc.Status(ctx, "owner-1", "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := submit(t, f, "owner-1")

	out, err := f.svc.Cancel(ctx, "owner-1", resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.JobStatusCancelled || out.Pending {
		t.Fatalf("unexpected cancel response: %+v", out)
	}
	if n, _ := f.queue.Len(ctx); n != 0 {
		t.Fatalf("cancelled job still queued (len %d)", n)
	}

	if _, err := f.svc.Cancel(ctx, "owner-1", resp.JobID); !errors.Is(err, ErrNotCancellable) {
		t.Fatalf("expected ErrNotCancellable, got %v", err)
	}
}

func TestCancelProcessingJobIsPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := submit(t, f, "owner-1")

	if _, err := f.tracker.MarkProcessing(ctx, resp.JobID, "worker-1"); err != nil {
		t.Fatal(err)
	}

	out, err := f.svc.Cancel(ctx, "owner-1", resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if out.Status != model.JobStatusProcessing || !out.Pending {
		t.Fatalf("unexpected cancel response: %+v", out)
	}
	requested, _ := f.tracker.IsCancelRequested(ctx, resp.JobID)
	if !requested {
		t.Fatal("cancel marker not set")
	}
}

func TestMetadataLookup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	resp := submit(t, f, "owner-1")

	if _, err := f.svc.Metadata(ctx, "owner-1", resp.JobID); !errors.Is(err, ErrMetadataNotFound) {
		t.Fatalf("expected ErrMetadataNotFound, got %v", err)
	}

	if _, err := f.meta.Upsert(ctx, &model.VideoMetadata{
		JobID:   resp.JobID,
		OwnerID: "owner-1",
		URLs:    map[string]string{"video": "https://cdn.test/v.mp4"},
	}); err != nil {
		t.Fatal(err)
	}

	meta, err := f.svc.Metadata(ctx, "owner-1", resp.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if meta.URLs["video"] != "https://cdn.test/v.mp4" {
		t.Fatalf("unexpected metadata: %+v", meta)
	}
	if _, err := f.svc.Metadata(ctx, "owner-2", resp.JobID); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("expected ErrJobNotFound, got %v", err)
	}
}
