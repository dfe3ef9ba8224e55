package pipeline

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/makeasinger/jobengine/internal/client"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
)

// MockRunner simulates a generation run for development. It reports timed
// stage steps and writes placeholder artifacts into the job's output dir.
type MockRunner struct {
	StepDelay  time.Duration
	Thumbnails int
}

// NewMockRunner creates a mock runner with two thumbnails
func NewMockRunner(stepDelay time.Duration) *MockRunner {
	return &MockRunner{StepDelay: stepDelay, Thumbnails: 2}
}

// Run implements Runner
func (r *MockRunner) Run(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error) {
	steps := []struct {
		stage    string
		progress float64
		message  string
	}{
		{model.StagePlanning, 10, "Planning scenes..."},
		{model.StagePlanning, 20, "Writing narration..."},
		{model.StageCodeGeneration, 35, "Generating scene code..."},
		{model.StageCodeGeneration, 50, "Validating scene code..."},
		{model.StageRender, 65, "Rendering scenes..."},
		{model.StageRender, 80, "Combining scenes..."},
		{model.StagePostProcessing, 90, "Adding audio and subtitles..."},
		{model.StagePostProcessing, 95, "Creating thumbnails..."},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.StepDelay):
		}
		progress(step.stage, step.progress, step.message)
	}

	video := filepath.Join(cfg.OutputDir, "video.mp4")
	if err := os.WriteFile(video, []byte(fmt.Sprintf("mock video %s %dx%d@%d", cfg.Topic, cfg.Width, cfg.Height, cfg.FPS)), 0o644); err != nil {
		return nil, fmt.Errorf("write mock video: %w", err)
	}
	thumbs := make([]string, 0, r.Thumbnails)
	for i := 0; i < r.Thumbnails; i++ {
		p := filepath.Join(cfg.OutputDir, fmt.Sprintf("thumbnail_%d.png", i))
		if err := os.WriteFile(p, []byte("mock thumbnail"), 0o644); err != nil {
			return nil, fmt.Errorf("write mock thumbnail: %w", err)
		}
		thumbs = append(thumbs, p)
	}

	return &Result{
		Success:        true,
		VideoPath:      video,
		ThumbnailPaths: thumbs,
		Metadata:       map[string]interface{}{"mock": true, "scenes": max(cfg.MaxScenes, 1)},
	}, nil
}

// HTTPRunner drives the generation service: start, poll while forwarding
// progress, then download the artifacts into the job's output dir.
type HTTPRunner struct {
	client       client.Generator
	baseURL      string
	pollInterval time.Duration
	log          logr.Logger
}

// NewHTTPRunner creates a runner over the generation service client.
// baseURL resolves artifact paths returned relative to the service.
func NewHTTPRunner(gen client.Generator, baseURL string, pollInterval time.Duration) *HTTPRunner {
	if pollInterval <= 0 {
		pollInterval = 3 * time.Second
	}
	return &HTTPRunner{
		client:       gen,
		baseURL:      strings.TrimRight(baseURL, "/"),
		pollInterval: pollInterval,
		log:          log.WithName("pipeline-http"),
	}
}

// Run implements Runner
func (r *HTTPRunner) Run(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error) {
	started, err := r.client.StartGeneration(ctx, &client.GenerationRequest{
		JobID:       cfg.JobID,
		Topic:       cfg.Topic,
		Description: cfg.Description,
		Quality:     string(cfg.Quality),
		Width:       cfg.Width,
		Height:      cfg.Height,
		FPS:         cfg.FPS,
		Style:       cfg.Style,
		Language:    cfg.Language,
		MaxScenes:   cfg.MaxScenes,
		Subtitles:   cfg.Subtitles,
	})
	if err != nil {
		return nil, err
	}
	r.log.Info("generation started", "jobId", cfg.JobID, "generationId", started.ID)

	status, err := r.poll(ctx, cfg.JobID, started.ID, progress)
	if err != nil {
		return nil, err
	}
	if status.Status == client.GenerationFailed {
		msg := status.Error
		if msg == "" {
			msg = "generation failed"
		}
		return &Result{Success: false, Error: msg}, nil
	}
	if status.Artifacts == nil || status.Artifacts.Video == "" {
		return &Result{Success: false, Error: "generation finished without a video artifact"}, nil
	}

	result := &Result{Success: true, Metadata: status.Metadata}
	result.VideoPath, err = r.download(ctx, status.Artifacts.Video, cfg.OutputDir, "video")
	if err != nil {
		return nil, err
	}
	for i, u := range status.Artifacts.Thumbnails {
		p, err := r.download(ctx, u, cfg.OutputDir, fmt.Sprintf("thumbnail_%d", i))
		if err != nil {
			// Thumbnails are optional; the upload step degrades without them.
			r.log.Info("thumbnail download failed", "jobId", cfg.JobID, "url", u, "error", err.Error())
			continue
		}
		result.ThumbnailPaths = append(result.ThumbnailPaths, p)
	}
	return result, nil
}

func (r *HTTPRunner) poll(ctx context.Context, jobID, id string, progress ProgressFunc) (*client.GenerationStatus, error) {
	attempt := 0
	for {
		attempt++
		status, err := r.client.GetGeneration(ctx, id)
		if err != nil {
			return nil, err
		}
		r.log.V(1).Info("generation polled", "jobId", jobID, "attempt", attempt, "status", status.Status, "stage", status.Stage)

		if status.Stage != "" || status.Progress > 0 {
			progress(status.Stage, status.Progress, status.Message)
		}
		switch status.Status {
		case client.GenerationSucceeded, client.GenerationFailed:
			return status, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

func (r *HTTPRunner) download(ctx context.Context, rawURL, dir, name string) (string, error) {
	u := rawURL
	if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
		u = r.baseURL + "/" + strings.TrimLeft(u, "/")
	}
	ext := ".bin"
	if parsed, err := url.Parse(u); err == nil {
		if e := path.Ext(parsed.Path); e != "" {
			ext = e
		}
	}
	dest := filepath.Join(dir, name+ext)
	if _, err := r.client.Download(ctx, u, dest); err != nil {
		return "", err
	}
	return dest, nil
}
