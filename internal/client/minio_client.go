package client

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/makeasinger/jobengine/internal/config"
)

// MinioClient implements StorageClient for MinIO and other S3-compatible servers
type MinioClient struct {
	client    *minio.Client
	bucket    string
	endpoint  string
	useSSL    bool
	publicURL string
}

// NewMinioClient creates a MinIO storage client
func NewMinioClient(cfg *config.MinioConfig) (*MinioClient, error) {
	if cfg.Endpoint == "" || cfg.Bucket == "" {
		return nil, fmt.Errorf("minio configuration incomplete")
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinioClient{
		client:    client,
		bucket:    cfg.Bucket,
		endpoint:  cfg.Endpoint,
		useSSL:    cfg.UseSSL,
		publicURL: strings.TrimRight(cfg.PublicURL, "/"),
	}, nil
}

// EnsureBucket creates the configured bucket when it does not exist yet
func (c *MinioClient) EnsureBucket(ctx context.Context) error {
	exists, err := c.client.BucketExists(ctx, c.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if !exists {
		if err := c.client.MakeBucket(ctx, c.bucket, minio.MakeBucketOptions{}); err != nil {
			return fmt.Errorf("failed to create bucket: %w", err)
		}
	}
	return nil
}

// Put streams a local file to MinIO and returns its object URL
func (c *MinioClient) Put(ctx context.Context, localPath, key string) (string, error) {
	f, size, ct, err := openArtifact(localPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	_, err = c.client.PutObject(ctx, c.bucket, key, f, size, minio.PutObjectOptions{
		ContentType: ct,
	})
	if err != nil {
		return "", c.wrap("put", key, err)
	}
	return c.PublicURL(key), nil
}

// SignedURL generates a presigned GET URL valid for ttl
func (c *MinioClient) SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error) {
	u, err := c.client.PresignedGetObject(ctx, c.bucket, key, ttl, url.Values{})
	if err != nil {
		return "", c.wrap("presign", key, err)
	}
	return u.String(), nil
}

// Delete removes an object
func (c *MinioClient) Delete(ctx context.Context, key string) error {
	if err := c.client.RemoveObject(ctx, c.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return c.wrap("delete", key, err)
	}
	return nil
}

// PublicURL returns the object URL for a key
func (c *MinioClient) PublicURL(key string) string {
	if c.publicURL != "" {
		return fmt.Sprintf("%s/%s", c.publicURL, key)
	}
	scheme := "http"
	if c.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, c.endpoint, c.bucket, key)
}

func (c *MinioClient) wrap(op, key string, err error) error {
	resp := minio.ToErrorResponse(err)
	permanent := permanentStatus(resp.StatusCode)
	switch resp.Code {
	case "AccessDenied", "NoSuchBucket", "InvalidAccessKeyId", "SignatureDoesNotMatch":
		permanent = true
	}
	return &StorageError{Backend: "minio", Op: op, Key: key, Permanent: permanent, Err: err}
}
