// Package domain contains the persistence model for per-organization quota
// records.
package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cloudact/quotagate/internal/plan"
)

// BillingStatus gates all quota-bound actions independent of numeric usage.
type BillingStatus string

const (
	BillingStatusActive    BillingStatus = "ACTIVE"
	BillingStatusTrial     BillingStatus = "TRIAL"
	BillingStatusSuspended BillingStatus = "SUSPENDED"
	BillingStatusCancelled BillingStatus = "CANCELLED"
)

// Inactive reports whether the status blocks quota-bound actions outright.
func (s BillingStatus) Inactive() bool {
	return s == BillingStatusSuspended || s == BillingStatusCancelled
}

// OrgQuota is the durable quota record, one per tenant. Limit columns are
// nullable overrides; NULL resolves through the plan catalog at read time and
// is never persisted resolved, so a later plan change is picked up
// automatically. Counter columns are mutated only through the atomic
// repository operations.
type OrgQuota struct {
	OrgID         snowflake.ID  `gorm:"primaryKey;column:org_id"`
	PlanTier      plan.Tier     `gorm:"type:text;not null"`
	BillingStatus BillingStatus `gorm:"type:text;not null"`
	Timezone      string        `gorm:"type:text;not null;default:'UTC'"`

	SeatLimit       *int64 `gorm:""`
	ProvidersLimit  *int64 `gorm:""`
	DailyLimit      *int64 `gorm:""`
	MonthlyLimit    *int64 `gorm:""`
	ConcurrentLimit *int64 `gorm:""`

	PipelinesRunToday          int64 `gorm:"not null;default:0"`
	PipelinesRunMonth          int64 `gorm:"not null;default:0"`
	PipelinesRunningConcurrent int64 `gorm:"not null;default:0"`

	PeriodDayStart   time.Time `gorm:"not null"`
	PeriodMonthStart time.Time `gorm:"not null"`

	LastEventID *string `gorm:"type:text"`

	CreatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
	UpdatedAt time.Time `gorm:"not null;default:CURRENT_TIMESTAMP"`
}

// TableName sets the database table name.
func (OrgQuota) TableName() string { return "org_quotas" }

// Location resolves the org's configured timezone, falling back to UTC.
func (q OrgQuota) Location() *time.Location {
	loc, err := time.LoadLocation(q.Timezone)
	if err != nil || loc == nil {
		return time.UTC
	}
	return loc
}
