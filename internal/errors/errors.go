package errors

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/stwalsh4118/parcelledger/internal/middleware"
	"github.com/stwalsh4118/parcelledger/internal/registry"
	"github.com/stwalsh4118/parcelledger/internal/services"
)

// Error code constants for standardized error responses
const (
	ErrNotFound           = "NOT_FOUND"
	ErrBadRequest         = "BAD_REQUEST"
	ErrInternalServer     = "INTERNAL_SERVER_ERROR"
	ErrValidation         = "VALIDATION_ERROR"
	ErrDatabaseConnection = "DATABASE_CONNECTION_ERROR"
	ErrUnauthorized       = middleware.CodeUnauthorized
	ErrForbidden          = "FORBIDDEN"
	ErrUnprocessable      = "UNPROCESSABLE_ENTITY"
	ErrConflict           = "CONFLICT"
	ErrSettlementFailed   = "SETTLEMENT_FAILED"
	ErrTooManyRequests    = middleware.CodeTooManyRequests
)

// ErrorResponse is the top-level error response structure.
type ErrorResponse = middleware.ErrorResponse

// ErrorDetail contains the error information.
type ErrorDetail = middleware.ErrorDetail

// respond logs a client error at warn level and writes the envelope.
func respond(c *gin.Context, status int, code, logMsg, message string, details map[string]interface{}) {
	log := middleware.GetLogger(c)
	requestID := middleware.GetRequestID(c)

	if log != nil {
		logFields := map[string]interface{}{
			"message":    message,
			"request_id": requestID,
			"path":       c.Request.URL.Path,
		}
		if details != nil {
			logFields["details"] = details
		}
		log.Warn(logMsg, logFields)
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			Details:   details,
			RequestID: requestID,
		},
	})
}

// NotFound returns a 404 Not Found error response.
func NotFound(c *gin.Context, message string) {
	respond(c, http.StatusNotFound, ErrNotFound, "Resource not found", message, nil)
}

// BadRequest returns a 400 Bad Request error response with optional details.
func BadRequest(c *gin.Context, message string, details map[string]interface{}) {
	respond(c, http.StatusBadRequest, ErrBadRequest, "Bad request", message, details)
}

// Unauthorized returns a 401 response for missing or invalid credentials.
func Unauthorized(c *gin.Context, message string) {
	respond(c, http.StatusUnauthorized, ErrUnauthorized, "Unauthenticated request", message, nil)
}

// Forbidden returns a 403 response for an authenticated caller lacking rights.
func Forbidden(c *gin.Context, message string, details map[string]interface{}) {
	respond(c, http.StatusForbidden, ErrForbidden, "Forbidden", message, details)
}

// UnprocessableEntity returns a 422 response for well-formed but rejected values.
func UnprocessableEntity(c *gin.Context, message string, details map[string]interface{}) {
	respond(c, http.StatusUnprocessableEntity, ErrUnprocessable, "Unprocessable entity", message, details)
}

// Conflict returns a 409 response when the server state does not permit the request.
func Conflict(c *gin.Context, message string) {
	respond(c, http.StatusConflict, ErrConflict, "Conflict", message, nil)
}

// TooManyRequests returns a 429 response.
func TooManyRequests(c *gin.Context, message string) {
	respond(c, http.StatusTooManyRequests, ErrTooManyRequests, "Rate limit exceeded", message, nil)
}

// InternalServerError returns a 500 Internal Server Error response.
// The actual error is logged but not exposed to the client.
func InternalServerError(c *gin.Context, message string, err error) {
	serverError(c, http.StatusInternalServerError, ErrInternalServer, message, err)
}

// ServiceUnavailable returns a 503 response when the ledger store cannot be written.
func ServiceUnavailable(c *gin.Context, message string, err error) {
	serverError(c, http.StatusServiceUnavailable, ErrDatabaseConnection, message, err)
}

// BadGateway returns a 502 response when the payment gateway refuses a transfer.
func BadGateway(c *gin.Context, message string, err error) {
	serverError(c, http.StatusBadGateway, ErrSettlementFailed, message, err)
}

func serverError(c *gin.Context, status int, code, message string, err error) {
	log := middleware.GetLogger(c)
	requestID := middleware.GetRequestID(c)

	if log != nil {
		log.Error("Internal server error", err, map[string]interface{}{
			"message":    message,
			"request_id": requestID,
			"path":       c.Request.URL.Path,
			"method":     c.Request.Method,
		})
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:      code,
			Message:   message,
			RequestID: requestID,
		},
	})
}

// FromService writes the response for an error returned by the registry service.
// Ledger precondition failures carry their numeric code in details.ledger_code.
func FromService(c *gin.Context, err error) {
	var details map[string]interface{}
	if code, ok := registry.Code(err); ok {
		details = map[string]interface{}{"ledger_code": code}
	}

	switch {
	case errors.Is(err, registry.ErrNotFound):
		respond(c, http.StatusNotFound, ErrNotFound, "Resource not found", err.Error(), details)
	case errors.Is(err, registry.ErrUnauthorized):
		Forbidden(c, err.Error(), details)
	case errors.Is(err, registry.ErrInvalidValue):
		UnprocessableEntity(c, err.Error(), details)
	case errors.Is(err, services.ErrReversal):
		InternalServerError(c, "Payment taken but not applied; reconciliation pending", err)
	case errors.Is(err, services.ErrClockNotAdjustable):
		Conflict(c, "The configured clock cannot be advanced")
	case errors.Is(err, services.ErrSettlement):
		BadGateway(c, "Payment settlement failed", err)
	case errors.Is(err, services.ErrPersistence):
		ServiceUnavailable(c, "The ledger store is unavailable", err)
	default:
		InternalServerError(c, "An unexpected error occurred", err)
	}
}

// ValidationError returns a 400 Bad Request error response with field-specific validation errors.
func ValidationError(c *gin.Context, validationErrors validator.ValidationErrors) {
	details := make(map[string]interface{})
	for _, err := range validationErrors {
		details[err.Field()] = formatValidationError(err)
	}

	respond(c, http.StatusBadRequest, ErrValidation, "Validation error", "Validation failed for one or more fields", details)
}

// formatValidationError converts a validator.FieldError to a human-readable message.
func formatValidationError(err validator.FieldError) string {
	switch err.Tag() {
	case "required":
		return "This field is required"
	case "min":
		return "Value is too short or small (minimum: " + err.Param() + ")"
	case "max":
		return "Value is too long or large (maximum: " + err.Param() + ")"
	case "gt":
		return "Must be greater than " + err.Param()
	case "gte":
		return "Must be greater than or equal to " + err.Param()
	case "lte":
		return "Must be less than or equal to " + err.Param()
	case "oneof":
		return "Must be one of: " + err.Param()
	case "printascii":
		return "Must contain printable ASCII characters only"
	case "boolean":
		return "Must be true or false"
	default:
		return "Validation failed for tag: " + err.Tag()
	}
}
