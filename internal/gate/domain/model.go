package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
)

// Resource names a quota-bound action class.
type Resource string

const (
	ResourcePipelineRun Resource = "pipeline_run"
	ResourceIntegration Resource = "integration"
	ResourceSeat        Resource = "seat"
)

// RejectionReason identifies which limit refused an action. Billing status
// always wins over numeric reasons.
type RejectionReason string

const (
	ReasonDailyLimit      RejectionReason = "DAILY_LIMIT"
	ReasonMonthlyLimit    RejectionReason = "MONTHLY_LIMIT"
	ReasonConcurrentLimit RejectionReason = "CONCURRENT_LIMIT"
	ReasonSeatLimit       RejectionReason = "SEAT_LIMIT"
	ReasonProviderLimit   RejectionReason = "PROVIDER_LIMIT"
	ReasonBillingInactive RejectionReason = "BILLING_INACTIVE"
)

var (
	ErrUnknownResource  = errors.New("unknown_resource")
	ErrStoreUnavailable = errors.New("quota_store_unavailable")
)

// RejectionError carries a denial decision through error returns, so scoped
// helpers like WithPipelineSlot can refuse without inventing a second channel.
type RejectionError struct {
	Decision Decision
}

func (e *RejectionError) Error() string {
	if e == nil {
		return "quota_rejected"
	}
	return "quota_rejected: " + string(e.Decision.Reason)
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed bool            `json:"allowed"`
	Reason  RejectionReason `json:"reason,omitempty"`
	Message string          `json:"message,omitempty"`
	// RunID is set for allowed pipeline_run reservations and must be passed
	// back to Release.
	RunID snowflake.ID `json:"run_id,omitempty"`
}

// ResourceUsage is one line of a quota status report.
type ResourceUsage struct {
	Resource Resource `json:"resource"`
	Used     int64    `json:"used"`
	Limit    int64    `json:"limit"`
	Percent  float64  `json:"percent"`
}

// QuotaStatus reports current consumption against effective limits.
type QuotaStatus struct {
	OrgID         snowflake.ID    `json:"org_id"`
	PlanTier      string          `json:"plan_tier"`
	BillingStatus string          `json:"billing_status"`
	Resources     []ResourceUsage `json:"resources"`
}

// SeatCounter derives current seat consumption.
type SeatCounter interface {
	CountMembers(ctx context.Context, orgID snowflake.ID) (int64, error)
}

// IntegrationCounter derives current integration credential consumption.
type IntegrationCounter interface {
	CountCredentials(ctx context.Context, orgID snowflake.ID) (int64, error)
}

type Service interface {
	// CheckAndReserve admits or rejects one action. For pipeline_run the
	// check and the counter increments are a single atomic statement.
	CheckAndReserve(ctx context.Context, orgID snowflake.ID, resource Resource) (Decision, error)

	// Release returns a pipeline slot taken by CheckAndReserve. The
	// concurrent gauge never goes below zero.
	Release(ctx context.Context, orgID, runID snowflake.ID) error

	// WithPipelineSlot reserves a slot, runs fn, and releases the slot on
	// every exit path.
	WithPipelineSlot(ctx context.Context, orgID snowflake.ID, fn func(ctx context.Context) error) error

	// GetQuotaStatus reports used/limit per resource without mutating
	// anything beyond lazy period resets.
	GetQuotaStatus(ctx context.Context, orgID snowflake.ID) (QuotaStatus, error)
}
