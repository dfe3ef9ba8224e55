// Package pipeline is the boundary between job orchestration and the opaque
// content-generation pipeline. It maps a job's configuration onto pipeline
// parameters, forwards progress reports to the tracker and normalizes
// pipeline failures into the job error taxonomy.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-playground/validator/v10"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/client"
	"github.com/makeasinger/jobengine/internal/log"
	"github.com/makeasinger/jobengine/internal/model"
)

const callbackTimeout = 5 * time.Second

// Config is the validated invocation of one pipeline run
type Config struct {
	JobID       string
	OwnerID     string
	Topic       string
	Description string
	Quality     model.Quality
	Width       int
	Height      int
	FPS         int
	Style       string
	Language    string
	MaxScenes   int
	Subtitles   bool
	OutputDir   string
}

// Result is what a pipeline run produced
type Result struct {
	Success        bool
	VideoPath      string
	ThumbnailPaths []string
	Metadata       map[string]interface{}
	Error          string
}

// ProgressFunc receives (stage, percent, message) reports. It may be called
// zero or many times, out of order and from several goroutines.
type ProgressFunc func(stage string, pct float64, message string)

// Runner executes the pipeline
type Runner interface {
	Run(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error)
}

// RunnerFunc adapts a function to Runner
type RunnerFunc func(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error)

func (f RunnerFunc) Run(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error) {
	return f(ctx, cfg, progress)
}

// ProgressWriter is the subset of the progress tracker used by callbacks
type ProgressWriter interface {
	UpdateProgress(ctx context.Context, jobID, stage string, pct float64, message string) error
}

// Integrator wires a Runner to the rest of the job engine
type Integrator struct {
	runner   Runner
	progress ProgressWriter
	validate *validator.Validate
	workDir  string
	timeout  time.Duration
	log      logr.Logger
}

// NewIntegrator creates an integrator. A zero timeout leaves runs unbounded.
func NewIntegrator(runner Runner, progress ProgressWriter, workDir string, timeout time.Duration) *Integrator {
	return &Integrator{
		runner:   runner,
		progress: progress,
		validate: validator.New(),
		workDir:  workDir,
		timeout:  timeout,
		log:      log.WithName("pipeline"),
	}
}

// CreatePipelineConfig decodes and validates the job configuration
func (i *Integrator) CreatePipelineConfig(job *model.Job) (*Config, error) {
	jc, err := DecodeJobConfig(job.Config, i.validate)
	if err != nil {
		return nil, err
	}

	quality := model.Quality(jc.Quality)
	profile, ok := model.QualityProfiles[quality]
	if !ok {
		return nil, apperr.Configuration("create pipeline config", fmt.Sprintf("unsupported quality level %q", jc.Quality), nil)
	}

	return &Config{
		JobID:       job.ID,
		OwnerID:     job.OwnerID,
		Topic:       jc.Topic,
		Description: jc.Description,
		Quality:     quality,
		Width:       profile.Width,
		Height:      profile.Height,
		FPS:         profile.FPS,
		Style:       jc.Style,
		Language:    jc.Language,
		MaxScenes:   jc.MaxScenes,
		Subtitles:   jc.Subtitles,
		OutputDir:   filepath.Join(i.workDir, job.ID),
	}, nil
}

// DecodeJobConfig parses a raw job configuration, applies defaults and
// validates it. Failures are configuration errors.
func DecodeJobConfig(raw json.RawMessage, validate *validator.Validate) (*model.JobConfig, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, apperr.Configuration("decode job config", "job configuration is missing", nil)
	}

	var jc model.JobConfig
	if err := json.Unmarshal(raw, &jc); err != nil {
		return nil, apperr.Configuration("decode job config", "job configuration is not valid JSON", err)
	}
	ApplyDefaults(&jc)

	if jc.Topic == "" {
		return nil, apperr.Configuration("decode job config", "topic is required", nil)
	}
	if err := validate.Struct(&jc); err != nil {
		return nil, apperr.Configuration("decode job config", describeValidation(err), nil)
	}
	return &jc, nil
}

// ApplyDefaults fills optional configuration fields
func ApplyDefaults(jc *model.JobConfig) {
	jc.Topic = strings.TrimSpace(jc.Topic)
	jc.Quality = strings.ToLower(strings.TrimSpace(jc.Quality))
	if jc.Quality == "" {
		jc.Quality = string(model.QualityMedium)
	}
	jc.Language = strings.ToLower(strings.TrimSpace(jc.Language))
	if jc.Language == "" {
		jc.Language = "en"
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "oneof":
			parts = append(parts, fmt.Sprintf("%s must be one of [%s]", fe.Field(), fe.Param()))
		case "required":
			parts = append(parts, fmt.Sprintf("%s is required", fe.Field()))
		default:
			parts = append(parts, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		}
	}
	return "invalid job configuration: " + strings.Join(parts, "; ")
}

// ExecutePipeline runs the pipeline and normalizes its outcome. Cancellation
// of ctx is returned unchanged so callers can tell it apart from failures.
func (i *Integrator) ExecutePipeline(ctx context.Context, cfg *Config, progress ProgressFunc) (*Result, error) {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return nil, apperr.Pipeline("prepare work dir", "cannot create output directory", err)
	}

	runCtx := ctx
	if i.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, i.timeout)
		defer cancel()
	}
	if progress == nil {
		progress = func(string, float64, string) {}
	}

	started := time.Now()
	result, err := i.runner.Run(runCtx, cfg, progress)
	i.log.Info("pipeline run finished", "jobId", cfg.JobID, "duration", time.Since(started), "failed", err != nil || result == nil || !result.Success)

	switch {
	case ctx.Err() != nil:
		return nil, ctx.Err()
	case runCtx.Err() == context.DeadlineExceeded:
		return nil, apperr.PipelineTimeout("execute pipeline", fmt.Errorf("exceeded %s", i.timeout))
	case err != nil:
		return nil, normalize(err)
	case result == nil:
		return nil, apperr.Pipeline("execute pipeline", "pipeline returned no result", nil)
	case !result.Success:
		msg := strings.TrimSpace(result.Error)
		if msg == "" {
			msg = "pipeline reported failure"
		}
		return nil, apperr.Pipeline("execute pipeline", msg, nil)
	case result.VideoPath == "":
		return nil, apperr.Pipeline("execute pipeline", "pipeline produced no primary artifact", nil)
	}
	return result, nil
}

func normalize(err error) error {
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, client.ErrInvalidRequest) {
		return apperr.Configuration("execute pipeline", "generation service rejected the job configuration", err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.PipelineTimeout("execute pipeline", err)
	}
	return apperr.Pipeline("execute pipeline", "generation failed", err)
}

// CreateProgressCallback returns a callback that forwards reports to the
// tracker. Failures are logged and never reach the pipeline.
func (i *Integrator) CreateProgressCallback(jobID string) ProgressFunc {
	return func(stage string, pct float64, message string) {
		defer func() {
			if r := recover(); r != nil {
				i.log.Info("progress callback panicked", "jobId", jobID, "panic", fmt.Sprint(r))
			}
		}()
		if math.IsNaN(pct) {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), callbackTimeout)
		defer cancel()
		if err := i.progress.UpdateProgress(ctx, jobID, stage, pct, message); err != nil {
			i.log.Info("dropping progress report", "jobId", jobID, "stage", stage, "progress", pct, "error", err.Error())
		}
	}
}
