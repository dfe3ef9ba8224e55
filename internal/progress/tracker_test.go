package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/store"
)

func testOptions() Options {
	opts := DefaultOptions()
	opts.WriteAttempts = 5
	opts.TerminalAttempts = 3
	opts.BaseDelay = time.Millisecond
	opts.MaxDelay = 2 * time.Millisecond
	return opts
}

func newTestTracker(t *testing.T) (*Tracker, *store.RedisStore) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	jobs := store.NewRedisStore(client, time.Hour, 64)
	return NewTracker(jobs, testOptions()), jobs
}

func createJob(t *testing.T, jobs store.JobStore, id string) {
	t.Helper()
	job := &model.Job{ID: id, OwnerID: "owner-1", Status: model.JobStatusQueued}
	if err := jobs.Create(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}
}

func processingJob(t *testing.T, tr *Tracker, jobs store.JobStore, id string) {
	t.Helper()
	createJob(t, jobs, id)
	if _, err := tr.MarkProcessing(context.Background(), id, "worker-1"); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
}

func TestMarkProcessing(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	createJob(t, jobs, "job-1")

	job, err := tr.MarkProcessing(ctx, "job-1", "worker-1")
	if err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if job.Status != model.JobStatusProcessing || job.WorkerID != "worker-1" || job.Attempt != 1 {
		t.Fatalf("unexpected job: %+v", job)
	}
	if job.StartedAt == nil {
		t.Fatal("startedAt not stamped")
	}

	if _, err := tr.MarkProcessing(ctx, "job-1", "worker-2"); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("second claim: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := tr.MarkProcessing(ctx, "missing", "worker-1"); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMarkProcessingResumesInterrupted(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	if err := tr.MarkInterrupted(ctx, "job-1"); err != nil {
		t.Fatalf("mark interrupted: %v", err)
	}
	job, err := tr.MarkProcessing(ctx, "job-1", "worker-2")
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if job.Interrupted || job.WorkerID != "worker-2" || job.Attempt != 2 {
		t.Fatalf("unexpected resumed job: %+v", job)
	}
}

func TestUpdateProgressClamps(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	tests := []struct {
		name string
		pct  float64
		want float64
	}{
		{"negative", -5, 0},
		{"in range", 42.5, 42.5},
		{"above range", 150, 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tr.UpdateProgress(ctx, "job-1", model.StagePlanning, tt.pct, ""); err != nil {
				t.Fatalf("update: %v", err)
			}
			job, _ := tr.GetStatus(ctx, "job-1")
			if job.Progress != tt.want {
				t.Fatalf("progress = %v, want %v", job.Progress, tt.want)
			}
		})
	}

	if err := tr.UpdateProgress(ctx, "job-1", "", math.NaN(), ""); !errors.Is(err, ErrInvalidProgress) {
		t.Fatalf("expected ErrInvalidProgress, got %v", err)
	}
}

func TestUpdateProgressIsMonotonic(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	_ = tr.UpdateProgress(ctx, "job-1", model.StageRender, 60, "rendering")
	_ = tr.UpdateProgress(ctx, "job-1", model.StageRender, 30, "late report")

	job, _ := tr.GetStatus(ctx, "job-1")
	if job.Progress != 60 {
		t.Fatalf("progress = %v, want 60", job.Progress)
	}
}

func TestBackwardStageIsDropped(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	_ = tr.UpdateProgress(ctx, "job-1", model.StageRender, 50, "rendering")
	if err := tr.UpdateProgress(ctx, "job-1", model.StagePlanning, 70, "stale"); err != nil {
		t.Fatalf("backward stage must not fail: %v", err)
	}

	job, _ := tr.GetStatus(ctx, "job-1")
	if job.CurrentStage != model.StageRender || job.Progress != 50 {
		t.Fatalf("stale report applied: stage=%s progress=%v", job.CurrentStage, job.Progress)
	}

	if err := tr.UpdateProgress(ctx, "job-1", "custom_step", 55, ""); err != nil {
		t.Fatal(err)
	}
	job, _ = tr.GetStatus(ctx, "job-1")
	if job.CurrentStage != "custom_step" {
		t.Fatalf("unknown stage should be accepted, got %s", job.CurrentStage)
	}
}

func TestMarkStageCompleteIsIdempotent(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	for i := 0; i < 2; i++ {
		if err := tr.MarkStageComplete(ctx, "job-1", model.StageRender); err != nil {
			t.Fatalf("mark stage complete: %v", err)
		}
	}

	job, _ := tr.GetStatus(ctx, "job-1")
	count := 0
	for _, s := range job.CompletedStages {
		if s == model.StageRender {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("render recorded %d times, want 1", count)
	}
}

func TestTerminalStatusIsFrozen(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	_ = tr.UpdateProgress(ctx, "job-1", model.StagePlanning, 20, "planning")
	cause := apperr.Pipeline("run", "renderer crashed", nil)
	job, err := tr.HandleError(ctx, "job-1", cause, model.StagePlanning, 1)
	if err != nil {
		t.Fatalf("handle error: %v", err)
	}
	if job.Status != model.JobStatusFailed || job.Error == nil || job.Error.Code != apperr.CodePipeline {
		t.Fatalf("unexpected failed job: %+v", job)
	}
	if job.Error.RetryCount != 1 || job.Error.Stage != model.StagePlanning {
		t.Fatalf("unexpected error record: %+v", job.Error)
	}

	_ = tr.UpdateProgress(ctx, "job-1", model.StageRender, 90, "late")
	_ = tr.MarkStageComplete(ctx, "job-1", model.StageRender)
	if _, err := tr.MarkCompleted(ctx, "job-1", &model.JobResult{}); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}

	job, _ = tr.GetStatus(ctx, "job-1")
	if job.Status != model.JobStatusFailed || job.Progress != 20 || job.CurrentStage != model.StagePlanning {
		t.Fatalf("terminal job changed: %+v", job)
	}
	if job.HasCompletedStage(model.StageRender) {
		t.Fatal("stage recorded after terminal status")
	}
}

func TestMarkCompleted(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	var seen []model.JobStatus
	tr.AddNotifier(NotifierFunc(func(job *model.Job) { seen = append(seen, job.Status) }))

	result := &model.JobResult{VideoURL: "https://cdn/v.mp4", ThumbnailURLs: []string{}}
	job, err := tr.MarkCompleted(ctx, "job-1", result)
	if err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if job.Progress != 100 || job.Result.VideoURL != result.VideoURL || job.CompletedAt == nil {
		t.Fatalf("unexpected completed job: %+v", job)
	}
	if len(seen) != 1 || seen[0] != model.JobStatusCompleted {
		t.Fatalf("notifications = %v", seen)
	}

	// Re-applying the same terminal status is accepted.
	if _, err := tr.MarkCompleted(ctx, "job-1", result); err != nil {
		t.Fatalf("repeat completion: %v", err)
	}
}

func TestCompletedRequiresProcessing(t *testing.T) {
	tr, jobs := newTestTracker(t)
	createJob(t, jobs, "job-1")
	if _, err := tr.MarkCompleted(context.Background(), "job-1", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestRequestCancel(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()

	createJob(t, jobs, "queued")
	job, err := tr.RequestCancel(ctx, "queued")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusCancelled {
		t.Fatalf("queued job status = %s, want cancelled", job.Status)
	}

	processingJob(t, tr, jobs, "running")
	job, err = tr.RequestCancel(ctx, "running")
	if err != nil {
		t.Fatal(err)
	}
	if job.Status != model.JobStatusProcessing || !job.CancelRequested {
		t.Fatalf("unexpected running job: %+v", job)
	}
	ok, err := tr.IsCancelRequested(ctx, "running")
	if err != nil || !ok {
		t.Fatalf("IsCancelRequested = %v, %v", ok, err)
	}

	if _, err := tr.RequestCancel(ctx, "queued"); !errors.Is(err, ErrTerminal) {
		t.Fatalf("expected ErrTerminal, got %v", err)
	}
}

func TestConcurrentProgressKeepsMaximum(t *testing.T) {
	tr, jobs := newTestTracker(t)
	ctx := context.Background()
	processingJob(t, tr, jobs, "job-1")

	const writers = 20
	pcts := make([]float64, writers)
	for i := range pcts {
		pcts[i] = float64(i+1) * 4.5
	}
	rand.Shuffle(len(pcts), func(i, j int) { pcts[i], pcts[j] = pcts[j], pcts[i] })

	var wg sync.WaitGroup
	for _, p := range pcts {
		wg.Add(1)
		go func(p float64) {
			defer wg.Done()
			if err := tr.UpdateProgress(ctx, "job-1", model.StageRender, p, fmt.Sprintf("at %v", p)); err != nil {
				t.Errorf("update %v: %v", p, err)
			}
		}(p)
	}
	wg.Wait()

	job, _ := tr.GetStatus(ctx, "job-1")
	if job.Progress != 90 {
		t.Fatalf("progress = %v, want 90", job.Progress)
	}
}

type failingStore struct {
	store.JobStore
	failures int
	calls    int
	mu       sync.Mutex
}

func (s *failingStore) Update(ctx context.Context, jobID string, fn func(job *model.Job) error) (*model.Job, error) {
	s.mu.Lock()
	s.calls++
	fail := s.calls <= s.failures
	s.mu.Unlock()
	if fail {
		return nil, errors.New("connection refused")
	}
	return s.JobStore.Update(ctx, jobID, fn)
}

type recordingFinalizer struct {
	writes []TerminalWrite
}

func (f *recordingFinalizer) Schedule(ctx context.Context, w TerminalWrite) error {
	f.writes = append(f.writes, w)
	return nil
}

func TestTerminalWriteRetriesThenDefers(t *testing.T) {
	_, jobs := newTestTracker(t)
	ctx := context.Background()
	createJob(t, jobs, "job-1")
	if _, err := jobs.Update(ctx, "job-1", func(job *model.Job) error {
		job.Status = model.JobStatusProcessing
		return nil
	}); err != nil {
		t.Fatal(err)
	}

	flaky := &failingStore{JobStore: jobs, failures: 2}
	tr := NewTracker(flaky, testOptions())
	if _, err := tr.MarkCompleted(ctx, "job-1", &model.JobResult{}); err != nil {
		t.Fatalf("expected success on third attempt, got %v", err)
	}

	createJob(t, jobs, "job-2")
	_, _ = jobs.Update(ctx, "job-2", func(job *model.Job) error {
		job.Status = model.JobStatusProcessing
		return nil
	})
	down := &failingStore{JobStore: jobs, failures: 1000}
	fin := &recordingFinalizer{}
	tr = NewTracker(down, testOptions())
	tr.SetFinalizer(fin)

	_, err := tr.HandleError(ctx, "job-2", errors.New("boom"), model.StageRender, 0)
	if !errors.Is(err, ErrDeferred) {
		t.Fatalf("expected ErrDeferred, got %v", err)
	}
	if down.calls != testOptions().TerminalAttempts {
		t.Fatalf("store calls = %d, want %d", down.calls, testOptions().TerminalAttempts)
	}
	if len(fin.writes) != 1 || fin.writes[0].Status != model.JobStatusFailed || fin.writes[0].Error == nil {
		t.Fatalf("unexpected finalizer writes: %+v", fin.writes)
	}

	// The finalizer re-applies the write once the store is back.
	tr = NewTracker(jobs, testOptions())
	job, err := tr.ApplyTerminal(ctx, fin.writes[0])
	if err != nil {
		t.Fatalf("apply terminal: %v", err)
	}
	if job.Status != model.JobStatusFailed || job.Error.Code != apperr.CodeInternal {
		t.Fatalf("unexpected finalized job: %+v", job)
	}
}
