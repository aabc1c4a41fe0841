package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	accountdomain "github.com/smallbiznis/creditflow/internal/account/domain"
	"github.com/smallbiznis/creditflow/internal/costpolicy"
	gatewaydomain "github.com/smallbiznis/creditflow/internal/gateway/domain"
	ledgerdomain "github.com/smallbiznis/creditflow/internal/ledger/domain"
	obslogger "github.com/smallbiznis/creditflow/internal/observability/logger"
	referraldomain "github.com/smallbiznis/creditflow/internal/referral/domain"
	webhookdomain "github.com/smallbiznis/creditflow/internal/webhook/domain"
	"go.uber.org/zap"
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

// insufficientCreditsResponse is flat so clients can render balance/required
// without unwrapping.
type insufficientCreditsResponse struct {
	Error    string `json:"error"`
	Balance  int64  `json:"balance"`
	Required int64  `json:"required"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInternal           = errors.New("internal_error")
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

		var insufficient *ledgerdomain.InsufficientCreditsError
		if errors.As(lastErr.Err, &insufficient) {
			c.AbortWithStatusJSON(http.StatusPaymentRequired, insufficientCreditsResponse{
				Error:    "insufficient_credits",
				Balance:  insufficient.Balance,
				Required: insufficient.Required,
			})
			return
		}

		status, payload := mapError(lastErr.Err)
		if status >= http.StatusInternalServerError {
			obslogger.FromContext(c.Request.Context()).Error("request failed",
				zap.String("route", c.FullPath()),
				zap.Error(lastErr.Err),
			)
		}
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

	if field, ok := validationField(err); ok {
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: "validation error",
			Errors: []ValidationError{
				{
					Field:   field,
					Code:    err.Error(),
					Message: validationMessage(err),
				},
			},
		}
	}

	var upstream *gatewaydomain.UpstreamError
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case errors.Is(err, webhookdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "invalid_signature",
			Message: "invalid signature",
		}
	case errors.Is(err, webhookdomain.ErrProviderNotFound):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "unknown provider",
		}
	case errors.Is(err, referraldomain.ErrAlreadyReferred):
		return http.StatusConflict, errorPayload{
			Type:    "already_referred",
			Message: "a referral code has already been applied to this account",
		}
	case errors.As(err, &upstream):
		return http.StatusBadGateway, errorPayload{
			Type:    "upstream_error",
			Message: "the operation failed and your credits were refunded",
		}
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, gatewaydomain.ErrOperationUnavailable):
		return http.StatusServiceUnavailable, errorPayload{
			Type:    "service_unavailable",
			Message: "service unavailable",
		}
	default:
		// Includes a missing account, which provisioning makes unreachable.
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

func validationField(err error) (string, bool) {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, gatewaydomain.ErrInvalidRequest),
		errors.Is(err, webhookdomain.ErrInvalidProvider),
		errors.Is(err, webhookdomain.ErrInvalidPayload),
		errors.Is(err, webhookdomain.ErrInvalidEvent):
		return "request", true
	case errors.Is(err, costpolicy.ErrUnknownAction),
		errors.Is(err, ledgerdomain.ErrInvalidAction):
		return "action", true
	case errors.Is(err, costpolicy.ErrInvalidUnits),
		errors.Is(err, ledgerdomain.ErrInvalidAmount):
		return "unit_count", true
	case errors.Is(err, referraldomain.ErrInvalidReferralCode),
		errors.Is(err, referraldomain.ErrSelfReferral):
		return "referral_code", true
	case errors.Is(err, accountdomain.ErrInvalidAccountID):
		return "account_id", true
	default:
		return "", false
	}
}

func validationMessage(err error) string {
	switch {
	case errors.Is(err, costpolicy.ErrUnknownAction):
		return "unknown action"
	case errors.Is(err, costpolicy.ErrInvalidUnits):
		return "unit_count must not be negative"
	case errors.Is(err, referraldomain.ErrInvalidReferralCode):
		return "invalid referral code"
	case errors.Is(err, referraldomain.ErrSelfReferral):
		return "you cannot use your own referral code"
	case errors.Is(err, webhookdomain.ErrInvalidPayload):
		return "malformed payload"
	default:
		return "invalid request"
	}
}

// classifyErrorForLog feeds the request logger a low-cardinality type/code.
func classifyErrorForLog(err error) (string, string) {
	var insufficient *ledgerdomain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		return "insufficient_credits", "insufficient_credits"
	}
	status, payload := mapError(err)
	code := payload.Type
	if len(payload.Errors) > 0 {
		code = payload.Errors[0].Code
	}
	if status >= http.StatusInternalServerError && !errors.Is(err, gatewaydomain.ErrOperationUnavailable) {
		return "internal_error", code
	}
	return payload.Type, code
}
