// Package apperr defines the error taxonomy shared by the worker, the
// pipeline integration and the upload/metadata managers, and normalizes any
// failure into the JobError record persisted on a failed job.
package apperr

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/makeasinger/jobengine/internal/model"
)

// Category groups errors by handling policy.
type Category string

const (
	CategoryConfiguration Category = "configuration"
	CategoryPipeline      Category = "pipeline"
	CategoryUpload        Category = "upload"
	CategoryStore         Category = "store"
	CategoryCancelled     Category = "cancelled"
	CategoryInternal      Category = "internal"
)

// Error codes persisted in JobError.Code
const (
	CodeConfiguration   = "CONFIGURATION_ERROR"
	CodePipeline        = "PIPELINE_ERROR"
	CodePipelineTimeout = "PIPELINE_TIMEOUT"
	CodeUpload          = "UPLOAD_ERROR"
	CodeStore           = "STORE_ERROR"
	CodeCancelled       = "JOB_CANCELLED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Error is a classified failure with stage context.
type Error struct {
	Category Category
	Code     string
	Stage    string
	Op       string
	Message  string
	Err      error
}

func (e *Error) Error() string {
	parts := make([]string, 0, 4)
	parts = append(parts, string(e.Category))
	if e.Stage != "" {
		parts = append(parts, e.Stage)
	}
	if e.Op != "" {
		parts = append(parts, e.Op)
	}
	if e.Message != "" {
		parts = append(parts, e.Message)
	}
	detail := strings.Join(parts, ": ")
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", detail, e.Err)
	}
	return detail
}

func (e *Error) Unwrap() error { return e.Err }

// Retryable reports whether the Worker Loop may run the failed step again.
// Upload and store errors have their own local retry policies and are final
// by the time they reach the worker.
func (e *Error) Retryable() bool {
	return e.Category == CategoryPipeline
}

func newError(category Category, code, op, message string, err error) *Error {
	return &Error{Category: category, Code: code, Op: op, Message: message, Err: err}
}

// Configuration reports an invalid job configuration or missing credentials.
func Configuration(op, message string, err error) *Error {
	return newError(CategoryConfiguration, CodeConfiguration, op, message, err)
}

// Pipeline reports a generation failure.
func Pipeline(op, message string, err error) *Error {
	return newError(CategoryPipeline, CodePipeline, op, message, err)
}

// PipelineTimeout reports a pipeline run that exceeded the configured limit.
func PipelineTimeout(op string, err error) *Error {
	return newError(CategoryPipeline, CodePipelineTimeout, op, "pipeline timed out", err)
}

// Upload reports an artifact upload that exhausted its attempts.
func Upload(op, message string, err error) *Error {
	return newError(CategoryUpload, CodeUpload, op, message, err)
}

// Store reports a job, queue or metadata store failure.
func Store(op, message string, err error) *Error {
	return newError(CategoryStore, CodeStore, op, message, err)
}

// Cancelled reports a job stopped by a cancellation request.
func Cancelled(message string) *Error {
	return newError(CategoryCancelled, CodeCancelled, "", message, nil)
}

// Internal reports an unexpected failure such as a recovered panic.
func Internal(op, message string, err error) *Error {
	return newError(CategoryInternal, CodeInternal, op, message, err)
}

// WithStage returns a copy of err annotated with the stage it failed in.
func WithStage(err error, stage string) error {
	var e *Error
	if !errors.As(err, &e) {
		return err
	}
	cp := *e
	if cp.Stage == "" {
		cp.Stage = stage
	}
	return &cp
}

// Classify returns the classified error carried by err, wrapping unknown
// errors as internal failures.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return PipelineTimeout("", err)
	}
	return newError(CategoryInternal, CodeInternal, "", "", err)
}

// IsRetryable reports whether the worker should retry the step that produced err.
func IsRetryable(err error) bool {
	e := Classify(err)
	return e != nil && e.Retryable()
}

// Is reports whether err carries the given category.
func Is(err error, category Category) bool {
	e := Classify(err)
	return e != nil && e.Category == category
}

// ToJobError normalizes err into the record stored on a failed job.
func ToJobError(err error, stage string, retryCount int) *model.JobError {
	e := Classify(err)
	if e == nil {
		e = newError(CategoryInternal, CodeInternal, "", "failed without error detail", nil)
	}
	if e.Stage != "" {
		stage = e.Stage
	}
	message := strings.TrimSpace(e.Message)
	if e.Err != nil {
		cause := strings.TrimSpace(e.Err.Error())
		if message == "" {
			message = cause
		} else if cause != "" {
			message = message + ": " + cause
		}
	}
	if message == "" {
		if stage != "" {
			message = fmt.Sprintf("%s failed", stage)
		} else {
			message = "job failed"
		}
	}
	return &model.JobError{
		Code:       e.Code,
		Category:   string(e.Category),
		Message:    message,
		Stage:      stage,
		RetryCount: retryCount,
	}
}
