package client

import (
	"context"
	"errors"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"time"
)

// ErrLocalFile marks an artifact that cannot be read from local disk.
// No storage retry can fix it.
var ErrLocalFile = errors.New("local artifact unreadable")

// StorageClient defines the interface for object storage operations
type StorageClient interface {
	// Put uploads the file at localPath under key and returns its object URL
	Put(ctx context.Context, localPath, key string) (string, error)
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
	Delete(ctx context.Context, key string) error
	PublicURL(key string) string
}

// StorageError is a failed object storage call, classified as transient or permanent
type StorageError struct {
	Backend   string
	Op        string
	Key       string
	Permanent bool
	Err       error
}

func (e *StorageError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	return fmt.Sprintf("%s %s %s (%s): %v", e.Backend, e.Op, e.Key, kind, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// IsPermanent reports whether err is a storage failure that retrying cannot fix
func IsPermanent(err error) bool {
	if errors.Is(err, ErrLocalFile) {
		return true
	}
	var se *StorageError
	if errors.As(err, &se) {
		return se.Permanent
	}
	return false
}

// openArtifact opens a local file for upload and returns its size and content type
func openArtifact(localPath string) (*os.File, int64, string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return nil, 0, "", fmt.Errorf("%w: %v", ErrLocalFile, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, "", fmt.Errorf("%w: %v", ErrLocalFile, err)
	}
	if info.IsDir() {
		f.Close()
		return nil, 0, "", fmt.Errorf("%w: %s is a directory", ErrLocalFile, localPath)
	}
	return f, info.Size(), contentType(localPath), nil
}

func contentType(path string) string {
	switch filepath.Ext(path) {
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".png":
		return "image/png"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(filepath.Ext(path)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// permanentStatus reports whether an HTTP status from a storage backend is final
func permanentStatus(status int) bool {
	switch {
	case status == 408 || status == 429:
		return false
	case status >= 400 && status < 500:
		return true
	}
	return false
}
