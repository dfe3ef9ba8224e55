// Package upload moves job artifacts from local disk to object storage with
// bounded retries and returns immutable per-artifact results.
package upload

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/client"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/retry"
)

// DefaultMaxAttempts is the total number of upload calls per artifact
const DefaultMaxAttempts = 3

// thumbnailParallelism bounds concurrent thumbnail uploads per job
const thumbnailParallelism = 4

// Options configures the manager
type Options struct {
	MaxAttempts  int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	SignedURLTTL time.Duration
	// QualityTag overrides the quality label recorded on video results
	QualityTag string
}

// Attempt performs one upload and returns the object URL and signed URL
type Attempt func(ctx context.Context) (url, signedURL string, err error)

// Manager uploads artifacts for finished jobs
type Manager struct {
	storage client.StorageClient
	opts    Options
	log     logr.Logger
}

// NewManager creates an upload manager over a storage backend
func NewManager(storage client.StorageClient, opts Options) *Manager {
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.SignedURLTTL <= 0 {
		opts.SignedURLTTL = 24 * time.Hour
	}
	return &Manager{
		storage: storage,
		opts:    opts,
		log:     log.WithName("upload"),
	}
}

// SignedURLTTL returns the validity of signed URLs produced by the manager
func (m *Manager) SignedURLTTL() time.Duration {
	return m.opts.SignedURLTTL
}

// VideoKey is the object key of a job's primary artifact
func VideoKey(ownerID, jobID, localPath string) string {
	return path.Join("videos", ownerID, jobID, filepath.Base(localPath))
}

// ThumbnailKey is the object key of a job's index-th thumbnail
func ThumbnailKey(ownerID, jobID string, index int, localPath string) string {
	return path.Join("thumbnails", ownerID, jobID, fmt.Sprintf("%d_%s", index, filepath.Base(localPath)))
}

// UploadVideo uploads the primary artifact. quality labels the result unless
// a quality tag is configured.
func (m *Manager) UploadVideo(ctx context.Context, localPath, jobID, ownerID, quality string) model.UploadResult {
	if m.opts.QualityTag != "" {
		quality = m.opts.QualityTag
	}
	res := m.uploadFile(ctx, localPath, VideoKey(ownerID, jobID, localPath))
	res.Quality = quality
	m.logResult(jobID, "video", res)
	return res
}

// UploadThumbnails uploads auxiliary artifacts independently; one failure does
// not affect the others. Results keep the order of paths.
func (m *Manager) UploadThumbnails(ctx context.Context, paths []string, jobID, ownerID string) []model.UploadResult {
	results := make([]model.UploadResult, len(paths))

	var g errgroup.Group
	g.SetLimit(thumbnailParallelism)
	for i, p := range paths {
		i, p := i, p
		g.Go(func() error {
			results[i] = m.uploadFile(ctx, p, ThumbnailKey(ownerID, jobID, i, p))
			m.logResult(jobID, "thumbnail", results[i])
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// GenerateSignedURLs signs every key. Keys that fail are left out of the map
// and reported in the returned error.
func (m *Manager) GenerateSignedURLs(ctx context.Context, keys []string) (map[string]string, error) {
	urls := make(map[string]string, len(keys))
	var errs []error
	for _, key := range keys {
		u, err := m.storage.SignedURL(ctx, key, m.opts.SignedURLTTL)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		urls[key] = u
	}
	if len(errs) > 0 {
		return urls, apperr.Upload("sign urls", fmt.Sprintf("%d of %d keys failed", len(errs), len(keys)), errors.Join(errs...))
	}
	return urls, nil
}

// RetryUpload runs fn up to maxAttempts times with exponential backoff and
// jitter. It never panics or returns an error: the outcome, including the
// number of attempts made, is in the result.
func (m *Manager) RetryUpload(ctx context.Context, fn Attempt, maxAttempts int) model.UploadResult {
	if maxAttempts < 1 {
		maxAttempts = m.opts.MaxAttempts
	}

	start := time.Now()
	var res model.UploadResult
	policy := retry.Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   m.opts.BaseDelay,
		MaxDelay:    m.opts.MaxDelay,
		Jitter:      0.3,
		Retryable:   retryable,
		OnRetry: func(attempt int, err error, next time.Duration) {
			m.log.Info("upload attempt failed, retrying", "attempt", attempt, "next", next, "error", err.Error())
		},
	}

	attempts, err := retry.Do(ctx, policy, func(ctx context.Context, attempt int) error {
		u, signed, err := fn(ctx)
		if err != nil {
			return err
		}
		res.URL = u
		res.SignedURL = signed
		return nil
	})

	res.Attempts = attempts
	res.RetryCount = max(attempts-1, 0)
	res.Duration = time.Since(start)
	if err != nil {
		res.Success = false
		res.URL = ""
		res.SignedURL = ""
		res.Error = err.Error()
		res.Permanent = client.IsPermanent(err)
		return res
	}
	res.Success = true
	return res
}

// uploadFile puts one local file under key and signs it
func (m *Manager) uploadFile(ctx context.Context, localPath, key string) model.UploadResult {
	info, err := os.Stat(localPath)
	if err != nil || info.IsDir() {
		if err == nil {
			err = fmt.Errorf("%s is a directory", localPath)
		}
		return model.UploadResult{
			SourcePath: localPath,
			Key:        key,
			Error:      fmt.Sprintf("%v: %v", client.ErrLocalFile, err),
			Permanent:  true,
		}
	}

	res := m.RetryUpload(ctx, func(ctx context.Context) (string, string, error) {
		u, err := m.storage.Put(ctx, localPath, key)
		if err != nil {
			return "", "", err
		}
		signed, err := m.storage.SignedURL(ctx, key, m.opts.SignedURLTTL)
		if err != nil {
			return "", "", err
		}
		return u, signed, nil
	}, m.opts.MaxAttempts)

	res.SourcePath = localPath
	res.Key = key
	res.Size = info.Size()
	return res
}

// Failure converts a failed result into the job error taxonomy
func Failure(kind string, res model.UploadResult) error {
	return apperr.Upload("upload "+kind,
		fmt.Sprintf("%s upload failed after %d attempts", kind, res.Attempts),
		errors.New(res.Error))
}

func retryable(err error) bool {
	if errors.Is(err, client.ErrLocalFile) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

func (m *Manager) logResult(jobID, kind string, res model.UploadResult) {
	if res.Success {
		m.log.Info("artifact uploaded", "jobId", jobID, "kind", kind, "key", res.Key,
			"bytes", res.Size, "attempt", res.Attempts, "duration", res.Duration)
		return
	}
	m.log.Info("artifact upload failed", "jobId", jobID, "kind", kind, "key", res.Key,
		"attempt", res.Attempts, "permanent", res.Permanent, "error", res.Error)
}
