package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/cloudact/quotagate/internal/plan"
)

var (
	ErrOrgNotFound         = errors.New("org_not_found")
	ErrInvalidOrganization = errors.New("invalid_organization")
	ErrOrgQuotaExists      = errors.New("org_quota_exists")
	ErrInvalidTimezone     = errors.New("invalid_timezone")
)

// ApplyLimitsRequest overwrites the mutable limit fields of a quota record.
// Nil limit fields are written as NULL so they resolve through the catalog.
// Usage counters are never touched by this request.
type ApplyLimitsRequest struct {
	OrgID  snowflake.ID
	Tier   plan.Tier
	Status BillingStatus

	SeatLimit       *int64
	ProvidersLimit  *int64
	DailyLimit      *int64
	MonthlyLimit    *int64
	ConcurrentLimit *int64

	EventID string
}

type Service interface {
	// GetQuota returns the quota record for an org, applying lazy period
	// resets in the org's timezone before returning.
	GetQuota(ctx context.Context, orgID snowflake.ID) (OrgQuota, error)

	// EffectiveLimits resolves NULL override fields through the plan catalog
	// for the record's current tier.
	EffectiveLimits(record OrgQuota) (plan.Limits, error)

	// CreateForOrg provisions the quota record at onboarding with catalog
	// defaults for the initial tier.
	CreateForOrg(ctx context.Context, orgID snowflake.ID, tier plan.Tier, timezone string) (OrgQuota, error)

	// ApplyLimits is used only by the billing event synchronizer.
	ApplyLimits(ctx context.Context, req ApplyLimitsRequest) error
}
