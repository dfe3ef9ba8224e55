package upload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/client"
)

type fakeStorage struct {
	mu    sync.Mutex
	fail  map[string]int // key -> remaining failures, -1 = always
	perm  bool
	calls map[string]int
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{fail: map[string]int{}, calls: map[string]int{}}
}

func (s *fakeStorage) Put(ctx context.Context, localPath, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[key]++
	if n := s.fail[key]; n != 0 {
		if n > 0 {
			s.fail[key] = n - 1
		}
		return "", &client.StorageError{Backend: "fake", Op: "put", Key: key, Permanent: s.perm, Err: errors.New("injected")}
	}
	return "https://cdn.test/" + key, nil
}

func (s *fakeStorage) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	return "https://cdn.test/" + key + "?ttl=" + ttl.String(), nil
}

func (s *fakeStorage) Delete(ctx context.Context, key string) error { return nil }

func (s *fakeStorage) PublicURL(key string) string { return "https://cdn.test/" + key }

func (s *fakeStorage) callCount(key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[key]
}

func testManager(storage client.StorageClient) *Manager {
	return NewManager(storage, Options{
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
		MaxDelay:     4 * time.Millisecond,
		SignedURLTTL: time.Hour,
	})
}

func writeFile(t *testing.T, name string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte("artifact"), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestRetryUploadSucceedsOnThirdAttempt(t *testing.T) {
	m := testManager(newFakeStorage())
	calls := 0
	res := m.RetryUpload(context.Background(), func(ctx context.Context) (string, string, error) {
		calls++
		if calls < 3 {
			return "", "", errors.New("flaky network")
		}
		return "https://cdn/x", "https://cdn/x?sig", nil
	}, 3)

	if !res.Success || res.RetryCount != 2 || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if res.URL == "" || res.SignedURL == "" {
		t.Fatal("successful upload must carry both urls")
	}
}

func TestRetryUploadStopsAfterThreeAttempts(t *testing.T) {
	m := testManager(newFakeStorage())
	calls := 0
	res := m.RetryUpload(context.Background(), func(ctx context.Context) (string, string, error) {
		calls++
		return "", "", errors.New("always down")
	}, 3)

	if res.Success || calls != 3 || res.Attempts != 3 || res.RetryCount != 2 {
		t.Fatalf("calls = %d, result = %+v", calls, res)
	}
	if res.Error == "" {
		t.Fatal("failed result must carry the final error")
	}
}

func TestUploadVideo(t *testing.T) {
	storage := newFakeStorage()
	m := testManager(storage)
	p := writeFile(t, "final.mp4")

	res := m.UploadVideo(context.Background(), p, "job-1", "owner-1", "high")
	if !res.Success {
		t.Fatalf("upload failed: %+v", res)
	}
	if res.Key != "videos/owner-1/job-1/final.mp4" {
		t.Fatalf("key = %s", res.Key)
	}
	if res.Size != int64(len("artifact")) || res.Quality != "high" || res.RetryCount != 0 {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestUploadVideoPermanentFailure(t *testing.T) {
	storage := newFakeStorage()
	storage.perm = true
	p := writeFile(t, "final.mp4")
	key := VideoKey("owner-1", "job-1", p)
	storage.fail[key] = -1

	res := testManager(storage).UploadVideo(context.Background(), p, "job-1", "owner-1", "")
	if res.Success || !res.Permanent || res.Attempts != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if storage.callCount(key) != 3 {
		t.Fatalf("storage calls = %d, want 3", storage.callCount(key))
	}

	err := Failure("video", res)
	if !apperr.Is(err, apperr.CategoryUpload) {
		t.Fatalf("expected upload category, got %v", err)
	}
}

func TestUploadMissingFileIsNotRetried(t *testing.T) {
	storage := newFakeStorage()
	res := testManager(storage).UploadVideo(context.Background(), "/does/not/exist.mp4", "job-1", "owner-1", "")
	if res.Success || res.Attempts != 0 || !res.Permanent {
		t.Fatalf("unexpected result: %+v", res)
	}
	if storage.callCount(VideoKey("owner-1", "job-1", "/does/not/exist.mp4")) != 0 {
		t.Fatal("storage called for a missing file")
	}
}

func TestUploadThumbnailsIndependent(t *testing.T) {
	storage := newFakeStorage()
	a := writeFile(t, "a.png")
	b := writeFile(t, "b.png")
	storage.fail[ThumbnailKey("owner-1", "job-1", 1, b)] = -1

	results := testManager(storage).UploadThumbnails(context.Background(), []string{a, b}, "job-1", "owner-1")
	if len(results) != 2 {
		t.Fatalf("results = %d", len(results))
	}
	if !results[0].Success || results[0].Key != "thumbnails/owner-1/job-1/0_a.png" {
		t.Fatalf("first thumbnail: %+v", results[0])
	}
	if results[1].Success || results[1].Attempts != 3 {
		t.Fatalf("second thumbnail: %+v", results[1])
	}
}

func TestGenerateSignedURLs(t *testing.T) {
	m := testManager(newFakeStorage())
	urls, err := m.GenerateSignedURLs(context.Background(), []string{"videos/a.mp4", "thumbnails/b.png"})
	if err != nil {
		t.Fatal(err)
	}
	if len(urls) != 2 || urls["videos/a.mp4"] == "" {
		t.Fatalf("urls = %v", urls)
	}
}
