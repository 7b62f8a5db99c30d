package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	purchasedomain "github.com/smallbiznis/creditmeter/internal/purchase/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/db/pagination"
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
	ErrConflict           = errors.New("conflict")
	ErrInternal           = errors.New("internal_error")
	ErrNotFound           = errors.New("not_found")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrRateLimited        = errors.New("rate_limited")
	ErrServiceUnavailable = errors.New("service_unavailable")
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
	case isInsufficientError(err):
		return http.StatusPaymentRequired, errorPayload{
			Type:    "insufficient_credits",
			Message: "insufficient credits",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: conflictMessage(err),
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
	case errors.Is(err, ErrServiceUnavailable):
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

// classifyErrorForLog returns the error type and a stable code for request logs.
func classifyErrorForLog(err error) (string, string) {
	_, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	} else if payload.Type == "internal_error" {
		code = obsmetrics.ClassifySchedulerErrorType(err)
	}
	return payload.Type, code
}

func asValidationErrors(err error) *ValidationErrors {
	var vErr *ValidationErrors
	if errors.As(err, &vErr) && vErr != nil {
		return vErr
	}
	return nil
}

// validationSentinels is ordered most specific first: the first match names
// the error code, so pricing sentinels wrapped by the usage recorder win.
var validationSentinels = []error{
	pricingdomain.ErrUnknownService,
	pricingdomain.ErrInvalidQuantity,
	ErrInvalidRequest,
	purchasedomain.ErrInvalidRequest,
	pagination.ErrInvalidPageToken,
	usagedomain.ErrInvalidAccount,
	usagedomain.ErrInvalidService,
	usagedomain.ErrInvalidQuantity,
	ledgerdomain.ErrInvalidAccount,
	ledgerdomain.ErrInvalidAmount,
	ledgerdomain.ErrInvalidExternalRef,
	ledgerdomain.ErrInvalidService,
	preflightdomain.ErrInvalidAccount,
	preflightdomain.ErrInvalidPlan,
	preflightdomain.ErrInvalidAmount,
	monitordomain.ErrInvalidAccount,
	monitordomain.ErrInvalidResource,
	monitordomain.ErrInvalidComponent,
}

func matchValidationSentinel(err error) error {
	for _, sentinel := range validationSentinels {
		if errors.Is(err, sentinel) {
			return sentinel
		}
	}
	return nil
}

func isValidationError(err error) bool {
	return matchValidationSentinel(err) != nil
}

func isInsufficientError(err error) bool {
	return errors.Is(err, ledgerdomain.ErrInsufficientCredits) ||
		errors.Is(err, preflightdomain.ErrReservationBlocked)
}

func isConflictError(err error) bool {
	return errors.Is(err, ErrConflict) ||
		errors.Is(err, ledgerdomain.ErrConcurrentUpdateConflict) ||
		errors.Is(err, monitordomain.ErrAlreadyMonitoring)
}

func conflictMessage(err error) string {
	switch {
	case errors.Is(err, ledgerdomain.ErrConcurrentUpdateConflict):
		return "account is busy, retry shortly"
	case errors.Is(err, monitordomain.ErrAlreadyMonitoring):
		return "resource is already monitored"
	default:
		return "conflict"
	}
}

func isNotFoundError(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

func validationErrorCode(err error) string {
	if sentinel := matchValidationSentinel(err); sentinel != nil {
		return sentinel.Error()
	}
	return "invalid_request"
}

func validationErrorField(code string) string {
	if code == "invalid_request" {
		return "request"
	}
	if code == pricingdomain.ErrUnknownService.Error() {
		return "service"
	}
	if code == purchasedomain.ErrInvalidRequest.Error() {
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
	case "unknown_service":
		return "service has no active pricing rule"
	default:
		return "invalid value"
	}
}
