package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/coachpay/internal/notification"
	paymentdomain "github.com/smallbiznis/coachpay/internal/payment/domain"
	subscriptiondomain "github.com/smallbiznis/coachpay/internal/subscription/domain"
	"gorm.io/gorm"
)

type ValidationError struct {
	Field   string `json:"field"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ValidationErrors struct {
	Errors []ValidationError `json:"errors"`
}

func (v ValidationErrors) Error() string {
	return "validation error"
}

type errorPayload struct {
	Type    string            `json:"type"`
	Message string            `json:"message"`
	Errors  []ValidationError `json:"errors,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrForbidden          = errors.New("forbidden")
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrServiceUnavailable = errors.New("service_unavailable")
	ErrRateLimited        = errors.New("rate_limited")
)

func ErrorHandlingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if c.Writer.Written() {
			return
		}

		lastErr := c.Errors.Last()
		if lastErr == nil {
			return
		}

		status, payload := mapError(lastErr.Err)
		c.Header("Content-Type", "application/json")
		c.AbortWithStatusJSON(status, errorResponse{Error: payload})
	}
}

func AbortWithError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	_ = c.Error(err)
	c.Abort()
}

func invalidRequestError() error {
	return newValidationError("request", "invalid_request", "invalid request")
}

func newValidationError(field, code, message string) error {
	return &ValidationErrors{
		Errors: []ValidationError{
			{
				Field:   field,
				Code:    code,
				Message: message,
			},
		},
	}
}

func mapError(err error) (int, errorPayload) {
	if err == nil {
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}

	if vErr := asValidationErrors(err); vErr != nil {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors:  vErr.Errors,
		}
	}

	var providerErr *paymentdomain.ProviderError
	if errors.As(err, &providerErr) {
		return http.StatusBadRequest, errorPayload{
			Type:    "payment_failed",
			Message: providerErr.Message,
		}
	}

	if isValidationError(err) {
		code := validationErrorCode(err)
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   validationErrorField(code),
					Code:    code,
					Message: validationErrorMessage(code),
				},
			},
		}
	}

	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden, errorPayload{
			Type:    "forbidden",
			Message: "forbidden",
		}
	case errors.Is(err, ErrConflict),
		errors.Is(err, paymentdomain.ErrConfirmationInProgress),
		errors.Is(err, subscriptiondomain.ErrInvalidTransition):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: "conflict",
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, notification.ErrEmailNotConfigured):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		return http.StatusInternalServerError, errorPayload{
			Type:    "internal_error",
			Message: "internal server error",
		}
	}
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, paymentdomain.ErrInvalidToken),
		errors.Is(err, paymentdomain.ErrInvalidUser),
		errors.Is(err, paymentdomain.ErrInvalidBadgeType),
		errors.Is(err, paymentdomain.ErrUserMismatch),
		errors.Is(err, subscriptiondomain.ErrInvalidUser),
		errors.Is(err, notification.ErrInvalidRequest):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, paymentdomain.ErrTransactionNotFound),
		errors.Is(err, subscriptiondomain.ErrSubscriptionNotFound),
		errors.Is(err, notification.ErrUserNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

func validationErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	default:
		return err.Error()
	}
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if strings.HasPrefix(code, "invalid_") {
		return strings.TrimPrefix(code, "invalid_")
	}
	return ""
}

func validationErrorMessage(code string) string {
	switch code {
	case "invalid_request":
		return "invalid request"
	case "user_mismatch":
		return "token belongs to another user"
	default:
		return "invalid value"
	}
}

// classifyErrorForLog returns the error type and code recorded on the request
// log line.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	if status >= http.StatusInternalServerError {
		return "internal", payload.Type
	}
	var providerErr *paymentdomain.ProviderError
	if errors.As(err, &providerErr) {
		return "provider", providerErr.Code
	}
	return "client", payload.Type
}

// paymentErrorResponse is the body of the public payment endpoints. It keeps
// the provider's own code so the checkout page can show it.
type paymentErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode,omitempty"`
	Details   string `json:"details,omitempty"`
}

func abortPaymentError(c *gin.Context, err error) {
	_ = c.Error(err)

	var providerErr *paymentdomain.ProviderError
	if errors.As(err, &providerErr) {
		c.AbortWithStatusJSON(http.StatusBadRequest, paymentErrorResponse{
			Error:     "payment verification failed",
			ErrorCode: providerErr.Code,
			Details:   providerErr.Message,
		})
		return
	}

	status, payload := mapError(err)
	switch {
	case status == http.StatusBadRequest:
		c.AbortWithStatusJSON(status, paymentErrorResponse{
			Error:   "invalid request",
			Details: paymentErrorDetails(err),
		})
	case status >= http.StatusInternalServerError:
		c.AbortWithStatusJSON(status, paymentErrorResponse{
			Error: "payment could not be processed",
		})
	default:
		c.AbortWithStatusJSON(status, paymentErrorResponse{
			Error: payload.Message,
		})
	}
}

func paymentErrorDetails(err error) string {
	if vErr := asValidationErrors(err); vErr != nil && len(vErr.Errors) > 0 {
		return vErr.Errors[0].Message
	}
	switch {
	case errors.Is(err, paymentdomain.ErrInvalidToken):
		return "token is required"
	case errors.Is(err, paymentdomain.ErrInvalidUser):
		return "userId is required"
	case errors.Is(err, paymentdomain.ErrInvalidBadgeType):
		return "unknown badge type"
	case errors.Is(err, paymentdomain.ErrUserMismatch):
		return "token belongs to another user"
	default:
		return "invalid request"
	}
}
