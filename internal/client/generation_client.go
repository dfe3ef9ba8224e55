package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/log"
)

// Generation statuses reported by the generation service
const (
	GenerationQueued    = "queued"
	GenerationRunning   = "running"
	GenerationSucceeded = "succeeded"
	GenerationFailed    = "failed"
)

// ErrInvalidRequest marks a generation request rejected by the service as invalid
var ErrInvalidRequest = errors.New("generation request rejected")

// APIError is a non-2xx response from the generation service
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("generation API error (status %d): %s", e.StatusCode, e.Body)
}

func (e *APIError) Unwrap() error {
	if e.StatusCode == http.StatusBadRequest || e.StatusCode == http.StatusUnprocessableEntity {
		return ErrInvalidRequest
	}
	return nil
}

// Generator defines the generation service operations used by the pipeline
type Generator interface {
	StartGeneration(ctx context.Context, req *GenerationRequest) (*GenerationStatus, error)
	GetGeneration(ctx context.Context, id string) (*GenerationStatus, error)
	Download(ctx context.Context, url, destPath string) (int64, error)
}

// GenerationRequest is the body of a generation start call
type GenerationRequest struct {
	JobID       string `json:"jobId"`
	Topic       string `json:"topic"`
	Description string `json:"description,omitempty"`
	Quality     string `json:"quality"`
	Width       int    `json:"width"`
	Height      int    `json:"height"`
	FPS         int    `json:"fps"`
	Style       string `json:"style,omitempty"`
	Language    string `json:"language"`
	MaxScenes   int    `json:"maxScenes,omitempty"`
	Subtitles   bool   `json:"subtitles"`
}

// GenerationArtifacts lists downloadable outputs of a finished generation
type GenerationArtifacts struct {
	Video      string   `json:"video"`
	Thumbnails []string `json:"thumbnails,omitempty"`
}

// GenerationStatus is the service's view of a generation
type GenerationStatus struct {
	ID        string                 `json:"id"`
	Status    string                 `json:"status"`
	Stage     string                 `json:"stage,omitempty"`
	Progress  float64                `json:"progress"`
	Message   string                 `json:"message,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Artifacts *GenerationArtifacts   `json:"artifacts,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

// GenerationClient implements Generator over the generation service HTTP API
type GenerationClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	log        logr.Logger
}

// NewGenerationClient creates a new generation service client
func NewGenerationClient(cfg *config.PipelineConfig) *GenerationClient {
	return &GenerationClient{
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
		baseURL: strings.TrimRight(cfg.ServiceURL, "/"),
		apiKey:  cfg.APIKey,
		log:     log.WithName("generation-api"),
	}
}

// StartGeneration submits a generation
func (c *GenerationClient) StartGeneration(ctx context.Context, req *GenerationRequest) (*GenerationStatus, error) {
	var result GenerationStatus
	if err := c.post(ctx, "/v1/generations", req, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetGeneration retrieves the current state of a generation
func (c *GenerationClient) GetGeneration(ctx context.Context, id string) (*GenerationStatus, error) {
	var result GenerationStatus
	if err := c.get(ctx, fmt.Sprintf("/v1/generations/%s", id), &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Download fetches an artifact into destPath and returns the bytes written
func (c *GenerationClient) Download(ctx context.Context, url, destPath string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" && strings.HasPrefix(url, c.baseURL) {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download artifact: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return 0, &APIError{StatusCode: resp.StatusCode, Body: string(body)}
	}

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create artifact dir: %w", err)
	}
	f, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("failed to create artifact file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("failed to write artifact: %w", err)
	}

	c.log.V(1).Info("artifact downloaded", "url", url, "path", destPath, "bytes", n)
	return n, nil
}

// post sends a POST request with JSON body
func (c *GenerationClient) post(ctx context.Context, endpoint string, body interface{}, result interface{}) error {
	bodyBytes, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+endpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// get sends a GET request and parses JSON response
func (c *GenerationClient) get(ctx context.Context, endpoint string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.doRequest(req, result)
}

// doRequest executes an HTTP request and parses the response
func (c *GenerationClient) doRequest(req *http.Request, result interface{}) error {
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.log.Info("request failed", "method", req.Method, "url", req.URL.String(), "error", err.Error())
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	c.log.V(1).Info("response", "status", resp.StatusCode, "method", req.Method, "url", req.URL.String())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if err := json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return nil
}

// IsConfigured returns true if the client has a service to talk to
func (c *GenerationClient) IsConfigured() bool {
	return c.baseURL != ""
}
