package response

import "github.com/gofiber/fiber/v2"

// Error codes
const (
	CodeValidationError = "VALIDATION_ERROR"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeNotFound        = "NOT_FOUND"
	CodeConflict        = "CONFLICT"
	CodeRateLimited     = "RATE_LIMITED"
	CodeServiceError    = "SERVICE_ERROR"
)

// statusFor maps an error code onto its HTTP status
var statusFor = map[string]int{
	CodeValidationError: fiber.StatusBadRequest,
	CodeUnauthorized:    fiber.StatusUnauthorized,
	CodeNotFound:        fiber.StatusNotFound,
	CodeConflict:        fiber.StatusConflict,
	CodeRateLimited:     fiber.StatusTooManyRequests,
	CodeServiceError:    fiber.StatusInternalServerError,
}

// ErrorResponse is the body of every non-2xx API response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// Error writes an error body with an explicit status
func Error(c *fiber.Ctx, status int, code, message string, details interface{}) error {
	return c.Status(status).JSON(ErrorResponse{
		Error: ErrorDetail{Code: code, Message: message, Details: details},
	})
}

// Fail writes an error body with the status registered for code
func Fail(c *fiber.Ctx, code, message string, details interface{}) error {
	status, ok := statusFor[code]
	if !ok {
		status = fiber.StatusInternalServerError
	}
	return Error(c, status, code, message, details)
}

func ValidationError(c *fiber.Ctx, message string, details interface{}) error {
	return Fail(c, CodeValidationError, message, details)
}

func Unauthorized(c *fiber.Ctx, message string) error {
	return Fail(c, CodeUnauthorized, message, nil)
}

func NotFound(c *fiber.Ctx, message string) error {
	return Fail(c, CodeNotFound, message, nil)
}

// Conflict reports a request that does not apply to the job's current state
func Conflict(c *fiber.Ctx, message string, details interface{}) error {
	return Fail(c, CodeConflict, message, details)
}

// RateLimited reports an exhausted submission budget
func RateLimited(c *fiber.Ctx, retryAfterSeconds int) error {
	return Fail(c, CodeRateLimited, "Rate limit exceeded", fiber.Map{"retryAfter": retryAfterSeconds})
}

func ServiceError(c *fiber.Ctx, message string) error {
	return Fail(c, CodeServiceError, message, nil)
}

func OK(c *fiber.Ctx, data interface{}) error {
	return c.JSON(data)
}

func Accepted(c *fiber.Ctx, data interface{}) error {
	return c.Status(fiber.StatusAccepted).JSON(data)
}
