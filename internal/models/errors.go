package models

import (
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
)

// Error codes surfaced to callers of the moderation core.
const (
	CodeValidation      = "VALIDATION_ERROR"
	CodeNotFound        = "NOT_FOUND"
	CodeRejected        = "REJECTED"
	CodeAlreadyResolved = "ALREADY_RESOLVED"
	CodeGatewayFailed   = "GATEWAY_FAILED"
	CodeUnauthorized    = "UNAUTHORIZED"
	CodeInternal        = "INTERNAL_ERROR"
)

// Sentinels for errors.Is comparisons. Matching is by code only.
var (
	ErrValidation      = &AppError{Code: CodeValidation}
	ErrNotFound        = &AppError{Code: CodeNotFound}
	ErrRejected        = &AppError{Code: CodeRejected}
	ErrAlreadyResolved = &AppError{Code: CodeAlreadyResolved}
	ErrGatewayFailed   = &AppError{Code: CodeGatewayFailed}
)

// ErrorResponse represents a standardized API error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// AppError represents a custom application error
type AppError struct {
	Code    string
	Message string
	Err     error
}

func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Err
}

// Is reports whether target is an AppError carrying the same code.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	return ok && t.Code == e.Code
}

// Predefined error constructors
func NewNotFoundError(resource string, id interface{}) *AppError {
	return &AppError{
		Code:    CodeNotFound,
		Message: fmt.Sprintf("%s with ID %v not found", resource, id),
	}
}

func NewValidationError(message string) *AppError {
	return &AppError{
		Code:    CodeValidation,
		Message: message,
	}
}

func NewUnauthorizedError(message string) *AppError {
	return &AppError{
		Code:    CodeUnauthorized,
		Message: message,
	}
}

// NewRejectedError reports a policy refusal, such as a conflicting active sanction.
func NewRejectedError(reason string) *AppError {
	return &AppError{
		Code:    CodeRejected,
		Message: reason,
	}
}

// NewAlreadyResolvedError reports that an infraction has already left the active state.
func NewAlreadyResolvedError(id uint) *AppError {
	return &AppError{
		Code:    CodeAlreadyResolved,
		Message: fmt.Sprintf("infraction %d is already resolved", id),
	}
}

// NewGatewayError reports a sanction gateway failure after retries were exhausted.
func NewGatewayError(op, reason string) *AppError {
	return &AppError{
		Code:    CodeGatewayFailed,
		Message: fmt.Sprintf("%s failed: %s", op, reason),
	}
}

func NewInternalError(err error) *AppError {
	return &AppError{
		Code:    CodeInternal,
		Message: "Internal server error",
		Err:     err,
	}
}

// StatusFor maps an error to the HTTP status the admin API answers with.
func StatusFor(err error) int {
	var appErr *AppError
	if !errors.As(err, &appErr) {
		return fiber.StatusInternalServerError
	}
	switch appErr.Code {
	case CodeValidation:
		return fiber.StatusBadRequest
	case CodeNotFound:
		return fiber.StatusNotFound
	case CodeRejected, CodeAlreadyResolved:
		return fiber.StatusConflict
	case CodeGatewayFailed:
		return fiber.StatusBadGateway
	case CodeUnauthorized:
		return fiber.StatusForbidden
	default:
		return fiber.StatusInternalServerError
	}
}

// RespondWithError creates a standardized error response
func RespondWithError(c *fiber.Ctx, status int, err error) error {
	var response ErrorResponse

	var appErr *AppError
	if errors.As(err, &appErr) {
		response = ErrorResponse{
			Error: appErr.Message,
			Code:  appErr.Code,
		}
		if appErr.Err != nil && appErr.Code != CodeInternal {
			response.Details = appErr.Err.Error()
		}
	} else {
		response = ErrorResponse{
			Error: err.Error(),
		}
	}

	return c.Status(status).JSON(response)
}
