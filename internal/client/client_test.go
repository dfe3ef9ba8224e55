package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/makeasinger/jobengine/internal/config"
)

func TestIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", errors.New("reset by peer"), false},
		{"local file", fmt.Errorf("%w: no such file", ErrLocalFile), true},
		{"permanent storage", &StorageError{Backend: "r2", Op: "put", Permanent: true, Err: errors.New("denied")}, true},
		{"transient storage", &StorageError{Backend: "r2", Op: "put", Err: errors.New("timeout")}, false},
		{"wrapped", fmt.Errorf("upload: %w", &StorageError{Permanent: true, Err: errors.New("x")}), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsPermanent(tt.err); got != tt.want {
				t.Fatalf("IsPermanent = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPermanentStatus(t *testing.T) {
	for status, want := range map[int]bool{403: true, 404: true, 408: false, 429: false, 500: false, 503: false} {
		if got := permanentStatus(status); got != want {
			t.Errorf("permanentStatus(%d) = %v, want %v", status, got, want)
		}
	}
}

func TestOpenArtifactMissing(t *testing.T) {
	_, _, _, err := openArtifact(filepath.Join(t.TempDir(), "missing.mp4"))
	if !errors.Is(err, ErrLocalFile) {
		t.Fatalf("expected ErrLocalFile, got %v", err)
	}
}

func TestContentType(t *testing.T) {
	if ct := contentType("/x/video.mp4"); ct != "video/mp4" {
		t.Fatalf("mp4 content type = %s", ct)
	}
	if ct := contentType("/x/thumb.png"); ct != "image/png" {
		t.Fatalf("png content type = %s", ct)
	}
}

func TestGenerationClientLifecycle(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/generations", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer key" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		var req GenerationRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.Topic == "" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"error":"topic required"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(GenerationStatus{ID: "gen-1", Status: GenerationQueued})
	})
	mux.HandleFunc("/v1/generations/gen-1", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(GenerationStatus{
			ID:        "gen-1",
			Status:    GenerationSucceeded,
			Progress:  100,
			Artifacts: &GenerationArtifacts{Video: "/files/video.mp4"},
		})
	})
	mux.HandleFunc("/files/video.mp4", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("video-bytes"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewGenerationClient(&config.PipelineConfig{ServiceURL: srv.URL + "/", APIKey: "key"})
	ctx := context.Background()

	if _, err := c.StartGeneration(ctx, &GenerationRequest{}); !errors.Is(err, ErrInvalidRequest) {
		t.Fatalf("expected ErrInvalidRequest, got %v", err)
	}

	started, err := c.StartGeneration(ctx, &GenerationRequest{JobID: "job-1", Topic: "binary search"})
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	status, err := c.GetGeneration(ctx, started.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if status.Status != GenerationSucceeded || status.Artifacts == nil {
		t.Fatalf("unexpected status: %+v", status)
	}

	dest := filepath.Join(t.TempDir(), "out", "video.mp4")
	n, err := c.Download(ctx, srv.URL+status.Artifacts.Video, dest)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	data, _ := os.ReadFile(dest)
	if n != int64(len("video-bytes")) || string(data) != "video-bytes" {
		t.Fatalf("downloaded %d bytes: %q", n, data)
	}
}
