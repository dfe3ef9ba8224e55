package handler

import (
	"errors"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"

	"github.com/makeasinger/jobengine/internal/apperr"
	"github.com/makeasinger/jobengine/internal/middleware"
	"github.com/makeasinger/jobengine/internal/model"
	"github.com/makeasinger/jobengine/internal/service"
	ws "github.com/makeasinger/jobengine/internal/websocket"
	"github.com/makeasinger/jobengine/pkg/response"
)

const localSnapshot = "jobSnapshot"

type JobHandler struct {
	service   *service.JobService
	hub       *ws.Hub
	validator *validator.Validate
}

func NewJobHandler(svc *service.JobService, hub *ws.Hub, v *validator.Validate) *JobHandler {
	return &JobHandler{
		service:   svc,
		hub:       hub,
		validator: v,
	}
}

// Submit handles POST /api/jobs
// @Summary      Submit generation job
// @Description  Queue an asynchronous video generation job
// @Tags         Jobs
// @Accept       json
// @Produce      json
// @Param        request body model.SubmitJobRequest true "Job submission"
// @Success      202 {object} model.SubmitJobResponse
// @Failure      400 {object} response.ErrorResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      429 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs [post]
func (h *JobHandler) Submit(c *fiber.Ctx) error {
	var req model.SubmitJobRequest
	if err := c.BodyParser(&req); err != nil {
		return response.ValidationError(c, "Invalid request body", nil)
	}

	if err := h.validator.Struct(&req); err != nil {
		return response.ValidationError(c, "Validation failed", formatValidationErrors(err))
	}

	result, err := h.service.Submit(c.UserContext(), middleware.GetUserID(c), &req)
	if err != nil {
		return serviceError(c, err)
	}

	return response.Accepted(c, result)
}

// Status handles GET /api/jobs/:jobId
// @Summary      Get job status
// @Description  Get the status, progress and outcome of a job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobStatusResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId} [get]
func (h *JobHandler) Status(c *fiber.Ctx) error {
	result, err := h.service.Status(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Cancel handles POST /api/jobs/:jobId/cancel
// @Summary      Cancel job
// @Description  Cancel a queued job, or ask a processing job to stop at its next stage boundary
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.JobCancelResponse
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      409 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/cancel [post]
func (h *JobHandler) Cancel(c *fiber.Ctx) error {
	result, err := h.service.Cancel(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Metadata handles GET /api/jobs/:jobId/metadata
// @Summary      Get job metadata
// @Description  Get the technical metadata and artifact links of a completed job
// @Tags         Jobs
// @Produce      json
// @Param        jobId path string true "Job ID"
// @Success      200 {object} model.VideoMetadata
// @Failure      401 {object} response.ErrorResponse
// @Failure      404 {object} response.ErrorResponse
// @Failure      500 {object} response.ErrorResponse
// @Security     BearerAuth
// @Router       /api/jobs/{jobId}/metadata [get]
func (h *JobHandler) Metadata(c *fiber.Ctx) error {
	result, err := h.service.Metadata(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}
	return response.OK(c, result)
}

// Upgrade checks ownership of the job before a WebSocket upgrade and stashes
// its current state for the new subscriber
func (h *JobHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}

	status, err := h.service.Status(c.UserContext(), middleware.GetUserID(c), c.Params("jobId"))
	if err != nil {
		return serviceError(c, err)
	}

	snapshot, err := ws.Encode(model.JobEvent{
		JobID:    status.JobID,
		Status:   status.Status,
		Progress: status.Progress,
		Stage:    status.CurrentStage,
		Message:  status.Message,
		Error:    status.Error,
		Result:   status.Result,
		Stages:   status.CompletedStages,
	})
	if err == nil {
		c.Locals(localSnapshot, snapshot)
	}
	return c.Next()
}

// Stream handles GET /ws/jobs/:jobId
func (h *JobHandler) Stream() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		snapshot, _ := c.Locals(localSnapshot).([]byte)
		h.hub.HandleConnection(c, c.Params("jobId"), snapshot)
	})
}

func serviceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, service.ErrJobNotFound):
		return response.NotFound(c, "Job not found")
	case errors.Is(err, service.ErrMetadataNotFound):
		return response.NotFound(c, "Metadata not available")
	case errors.Is(err, service.ErrNotCancellable):
		return response.Conflict(c, "Job already finished", nil)
	case apperr.Is(err, apperr.CategoryConfiguration):
		return response.ValidationError(c, apperr.Classify(err).Message, nil)
	}
	return response.ServiceError(c, err.Error())
}

func formatValidationErrors(err error) interface{} {
	var validationErrors validator.ValidationErrors
	if errors.As(err, &validationErrors) {
		fields := make(map[string]string)
		for _, e := range validationErrors {
			fields[e.Namespace()] = e.Tag()
		}
		return fields
	}
	return nil
}
