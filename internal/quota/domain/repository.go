package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cloudact/quotagate/internal/plan"
	"gorm.io/gorm"
)

// Repository is the durable access layer for quota records. The counter
// operations are single conditional statements so a check never races a
// separate write.
type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *OrgQuota) error
	FindByOrgID(ctx context.Context, db *gorm.DB, orgID snowflake.ID) (*OrgQuota, error)

	// UpdateLimits writes tier, status and limit-override columns. It leaves
	// counter columns alone, so it commutes with concurrent reservations.
	UpdateLimits(ctx context.Context, db *gorm.DB, req ApplyLimitsRequest, now time.Time) (bool, error)

	// ResetDay zeroes the daily counter and advances the day boundary, but
	// only if the stored boundary still equals oldStart (compare-and-set, so
	// concurrent readers cannot double-reset).
	ResetDay(ctx context.Context, db *gorm.DB, orgID snowflake.ID, oldStart, newStart, now time.Time) (bool, error)

	// ResetMonth is the monthly analogue of ResetDay.
	ResetMonth(ctx context.Context, db *gorm.DB, orgID snowflake.ID, oldStart, newStart, now time.Time) (bool, error)

	// TryReserveRun increments the daily, monthly and concurrent counters
	// together in one conditional update guarded by all three effective
	// limits. It reports false when any guard fails; partial increments are
	// never observable.
	TryReserveRun(ctx context.Context, db *gorm.DB, orgID snowflake.ID, limits plan.Limits, now time.Time) (bool, error)

	// ReleaseRun decrements the concurrent gauge, clamped at zero.
	ReleaseRun(ctx context.Context, db *gorm.DB, orgID snowflake.ID, now time.Time) error

	// SetConcurrent overwrites the concurrent gauge; used by the
	// reconciliation sweep only.
	SetConcurrent(ctx context.Context, db *gorm.DB, orgID snowflake.ID, value int64, now time.Time) error
}
