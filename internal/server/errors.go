package server

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	billingsyncdomain "github.com/cloudact/quotagate/internal/billingsync/domain"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	integrationdomain "github.com/cloudact/quotagate/internal/integration/domain"
	orgdomain "github.com/cloudact/quotagate/internal/organization/domain"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

type errorPayload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Reason  string `json:"reason,omitempty"`
}

type errorResponse struct {
	Error errorPayload `json:"error"`
}

var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrInvalidRequest     = errors.New("invalid_request")
	ErrNotFound           = errors.New("not_found")
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

func mapError(err error) (int, errorPayload) {
	var rejection *gatedomain.RejectionError
	if errors.As(err, &rejection) {
		if rejection.Decision.Reason == gatedomain.ReasonBillingInactive {
			return http.StatusForbidden, errorPayload{
				Type:    "billing_inactive",
				Message: rejection.Decision.Message,
				Reason:  string(rejection.Decision.Reason),
			}
		}
		return http.StatusTooManyRequests, errorPayload{
			Type:    "quota_exceeded",
			Message: rejection.Decision.Message,
			Reason:  string(rejection.Decision.Reason),
		}
	}

	switch {
	case isValidationError(err):
		return http.StatusBadRequest, errorPayload{
			Type:    "validation_error",
			Message: err.Error(),
		}
	case errors.Is(err, ErrUnauthorized),
		errors.Is(err, billingsyncdomain.ErrInvalidSignature):
		return http.StatusUnauthorized, errorPayload{
			Type:    "unauthorized",
			Message: "unauthorized",
		}
	case isConflictError(err):
		return http.StatusConflict, errorPayload{
			Type:    "conflict",
			Message: err.Error(),
		}
	case isNotFoundError(err):
		return http.StatusNotFound, errorPayload{
			Type:    "not_found",
			Message: "not found",
		}
	case errors.Is(err, billingsyncdomain.ErrRateLimited):
		return http.StatusTooManyRequests, errorPayload{
			Type:    "rate_limited",
			Message: "too many requests",
		}
	case errors.Is(err, ErrServiceUnavailable),
		errors.Is(err, gatedomain.ErrStoreUnavailable):
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

func isValidationError(err error) bool {
	switch {
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, quotadomain.ErrInvalidOrganization),
		errors.Is(err, quotadomain.ErrInvalidTimezone),
		errors.Is(err, plan.ErrUnknownTier),
		errors.Is(err, gatedomain.ErrUnknownResource),
		errors.Is(err, billingsyncdomain.ErrInvalidProvider),
		errors.Is(err, billingsyncdomain.ErrInvalidPayload),
		errors.Is(err, billingsyncdomain.ErrInvalidEvent),
		errors.Is(err, billingsyncdomain.ErrMissingOrgReference),
		errors.Is(err, integrationdomain.ErrInvalidCredential),
		errors.Is(err, orgdomain.ErrInvalidOrg),
		errors.Is(err, orgdomain.ErrInvalidUser),
		errors.Is(err, orgdomain.ErrInvalidRole),
		errors.Is(err, orgdomain.ErrOwnerImmutable),
		errors.Is(err, pipelinedomain.ErrInvalidRun):
		return true
	default:
		return false
	}
}

func isConflictError(err error) bool {
	switch {
	case errors.Is(err, quotadomain.ErrOrgQuotaExists),
		errors.Is(err, orgdomain.ErrMemberExists),
		errors.Is(err, integrationdomain.ErrCredentialExists):
		return true
	default:
		return false
	}
}

func isNotFoundError(err error) bool {
	switch {
	case errors.Is(err, ErrNotFound),
		errors.Is(err, quotadomain.ErrOrgNotFound),
		errors.Is(err, orgdomain.ErrOrgNotFound),
		errors.Is(err, orgdomain.ErrMemberNotFound),
		errors.Is(err, integrationdomain.ErrCredentialNotFound),
		errors.Is(err, billingsyncdomain.ErrProviderNotFound),
		errors.Is(err, pipelinedomain.ErrRunNotFound),
		errors.Is(err, gorm.ErrRecordNotFound):
		return true
	default:
		return false
	}
}

// classifyErrorForLog maps an error to (type, code) for request log fields.
func classifyErrorForLog(err error) (string, string) {
	status, payload := mapError(err)
	switch {
	case status >= http.StatusInternalServerError:
		return "internal", payload.Type
	case status == http.StatusTooManyRequests:
		return "quota", payload.Reason
	default:
		return "client", payload.Type
	}
}
