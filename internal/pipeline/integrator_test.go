package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/client"
	"github.com/makeasinger/jobengine/internal/config"
	"github.com/makeasinger/jobengine/internal/model"
)

type recordingProgress struct {
	mu      sync.Mutex
	reports []float64
	err     error
}

func (r *recordingProgress) UpdateProgress(ctx context.Context, jobID, stage string, pct float64, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, pct)
	return r.err
}

func newTestIntegrator(t *testing.T, runner Runner, timeout time.Duration) (*Integrator, *recordingProgress) {
	t.Helper()
	progress := &recordingProgress{}
	return NewIntegrator(runner, progress, t.TempDir(), timeout), progress
}

func jobWithConfig(cfg string) *model.Job {
	return &model.Job{ID: "job-1", OwnerID: "owner-1", Config: json.RawMessage(cfg)}
}

func TestCreatePipelineConfig(t *testing.T) {
	in, _ := newTestIntegrator(t, nil, 0)

	tests := []struct {
		name    string
		config  string
		wantErr bool
	}{
		{"minimal", `{"topic":"Pythagorean theorem"}`, false},
		{"full", `{"topic":"Sorting","quality":"high","language":"de","maxScenes":5,"subtitles":true}`, false},
		{"blank topic", `{"topic":"   "}`, true},
		{"missing topic", `{"quality":"low"}`, true},
		{"bad quality", `{"topic":"x","quality":"ultra"}`, true},
		{"too many scenes", `{"topic":"x","maxScenes":50}`, true},
		{"bad language", `{"topic":"x","language":"english"}`, true},
		{"not json", `{topic`, true},
		{"empty", ``, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := in.CreatePipelineConfig(jobWithConfig(tt.config))
			if tt.wantErr {
				if !apperr.Is(err, apperr.CategoryConfiguration) {
					t.Fatalf("expected configuration error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.JobID != "job-1" || cfg.Width == 0 || cfg.Language == "" {
				t.Fatalf("unexpected config: %+v", cfg)
			}
		})
	}
}

func TestCreatePipelineConfigDefaults(t *testing.T) {
	in, _ := newTestIntegrator(t, nil, 0)
	cfg, err := in.CreatePipelineConfig(jobWithConfig(`{"topic":" Fourier series "}`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Topic != "Fourier series" || cfg.Quality != model.QualityMedium || cfg.Language != "en" {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Width != 1280 || cfg.Height != 720 || cfg.FPS != 30 {
		t.Fatalf("unexpected profile: %+v", cfg)
	}
}

func TestExecutePipelineNormalizesFailures(t *testing.T) {
	tests := []struct {
		name     string
		runner   RunnerFunc
		timeout  time.Duration
		wantCode string
	}{
		{
			name: "runner error",
			runner: func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
				return nil, errors.New("out of memory")
			},
			wantCode: apperr.CodePipeline,
		},
		{
			name: "unsuccessful result",
			runner: func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
				return &Result{Success: false, Error: "render crashed"}, nil
			},
			wantCode: apperr.CodePipeline,
		},
		{
			name: "no artifact",
			runner: func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
				return &Result{Success: true}, nil
			},
			wantCode: apperr.CodePipeline,
		},
		{
			name: "invalid request",
			runner: func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
				return nil, &client.APIError{StatusCode: http.StatusBadRequest, Body: "bad topic"}
			},
			wantCode: apperr.CodeConfiguration,
		},
		{
			name: "timeout",
			runner: func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
				<-ctx.Done()
				return nil, ctx.Err()
			},
			timeout:  10 * time.Millisecond,
			wantCode: apperr.CodePipelineTimeout,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in, _ := newTestIntegrator(t, tt.runner, tt.timeout)
			cfg, err := in.CreatePipelineConfig(jobWithConfig(`{"topic":"x"}`))
			if err != nil {
				t.Fatal(err)
			}
			_, err = in.ExecutePipeline(context.Background(), cfg, nil)
			e := apperr.Classify(err)
			if e == nil || e.Code != tt.wantCode {
				t.Fatalf("code = %v, want %s (err %v)", e, tt.wantCode, err)
			}
		})
	}
}

func TestExecutePipelinePassesCancellation(t *testing.T) {
	runner := RunnerFunc(func(ctx context.Context, cfg *Config, p ProgressFunc) (*Result, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	in, _ := newTestIntegrator(t, runner, 0)
	cfg, _ := in.CreatePipelineConfig(jobWithConfig(`{"topic":"x"}`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := in.ExecutePipeline(ctx, cfg, nil); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestProgressCallbackSwallowsErrors(t *testing.T) {
	in, progress := newTestIntegrator(t, nil, 0)
	progress.err = errors.New("redis down")

	cb := in.CreateProgressCallback("job-1")
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			cb(model.StageRender, float64(i*10), "step")
		}(i)
	}
	wg.Wait()

	if len(progress.reports) != 10 {
		t.Fatalf("reports = %d, want 10", len(progress.reports))
	}
}

func TestMockRunnerProducesArtifacts(t *testing.T) {
	runner := NewMockRunner(0)
	in, progress := newTestIntegrator(t, runner, 0)
	cfg, _ := in.CreatePipelineConfig(jobWithConfig(`{"topic":"x"}`))

	result, err := in.ExecutePipeline(context.Background(), cfg, in.CreateProgressCallback(cfg.JobID))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(result.VideoPath); err != nil {
		t.Fatalf("video missing: %v", err)
	}
	if len(result.ThumbnailPaths) != 2 {
		t.Fatalf("thumbnails = %v", result.ThumbnailPaths)
	}
	if len(progress.reports) == 0 {
		t.Fatal("mock runner reported no progress")
	}
}

func TestHTTPRunner(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generations", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(client.GenerationStatus{ID: "gen-1", Status: client.GenerationQueued})
	})
	mux.HandleFunc("/v1/generations/gen-1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		if polls < 2 {
			_ = json.NewEncoder(w).Encode(client.GenerationStatus{ID: "gen-1", Status: client.GenerationRunning, Stage: model.StageRender, Progress: 60})
			return
		}
		_ = json.NewEncoder(w).Encode(client.GenerationStatus{
			ID:       "gen-1",
			Status:   client.GenerationSucceeded,
			Progress: 95,
			Artifacts: &client.GenerationArtifacts{
				Video:      "/files/out.mp4",
				Thumbnails: []string{"/files/t0.png", "/files/missing.png"},
			},
		})
	})
	mux.HandleFunc("/files/out.mp4", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("mp4")) })
	mux.HandleFunc("/files/t0.png", func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("png")) })
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gen := client.NewGenerationClient(&config.PipelineConfig{ServiceURL: srv.URL})
	runner := NewHTTPRunner(gen, srv.URL, time.Millisecond)
	in, progress := newTestIntegrator(t, runner, 0)
	cfg, _ := in.CreatePipelineConfig(jobWithConfig(`{"topic":"x"}`))

	result, err := in.ExecutePipeline(context.Background(), cfg, in.CreateProgressCallback(cfg.JobID))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	data, err := os.ReadFile(result.VideoPath)
	if err != nil || string(data) != "mp4" {
		t.Fatalf("video = %q, %v", data, err)
	}
	if len(result.ThumbnailPaths) != 1 {
		t.Fatalf("thumbnails = %v", result.ThumbnailPaths)
	}
	if len(progress.reports) < 2 || progress.reports[0] != 60 {
		t.Fatalf("progress reports = %v", progress.reports)
	}
}
