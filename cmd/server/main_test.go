package main

import (
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/pkg/response"
)

func TestRenderJob(t *testing.T) {
	started := time.Now()
	job := &model.Job{
		ID:              "job-1",
		OwnerID:         "owner-1",
		Status:          model.JobStatusFailed,
		Progress:        65,
		CurrentStage:    model.StageUpload,
		CompletedStages: []string{model.StagePlanning, model.StageRender},
		Attempt:         1,
		StartedAt:       &started,
		Error:           &model.JobError{Code: "UPLOAD_ERROR", Message: "video upload failed", Stage: model.StageUpload, RetryCount: 2},
	}

	out := renderJob(job, &model.VideoMetadata{Technical: model.TechnicalMetadata{Duration: 12.5, Width: 1280, Height: 720}})
	for _, want := range []string{"job-1", "65.0%", "UPLOAD_ERROR: video upload failed", "1280x720", "12.5s"} {
		if !strings.Contains(out, want) {
			t.Errorf("rendered job missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "Video") {
		t.Errorf("failed job should not show a video row:\n%s", out)
	}
}

func TestRenderTablePadsShortRows(t *testing.T) {
	out := renderTable([]string{"A", "B"}, [][]string{{"only"}}, nil)
	if !strings.Contains(out, "only") {
		t.Fatalf("unexpected table:\n%s", out)
	}
	if renderTable(nil, nil, nil) != "" {
		t.Fatal("expected empty output without headers")
	}
}

func TestCustomErrorHandler(t *testing.T) {
	app := fiber.New(fiber.Config{ErrorHandler: customErrorHandler})
	app.Get("/teapot", func(c *fiber.Ctx) error {
		return fiber.NewError(fiber.StatusTeapot, "short and stout")
	})

	resp, err := app.Test(httptest.NewRequest("GET", "/teapot", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != fiber.StatusTeapot {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	data, _ := io.ReadAll(resp.Body)
	var er response.ErrorResponse
	if err := json.Unmarshal(data, &er); err != nil {
		t.Fatal(err)
	}
	if er.Error.Code != response.CodeServiceError || er.Error.Message != "short and stout" {
		t.Fatalf("unexpected body: %s", data)
	}
}
