package repository

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	"github.com/cloudact/quotagate/pkg/db"
	"gorm.io/gorm"
)

type repository struct{}

func NewRepository() quotadomain.Repository {
	return &repository{}
}

func (r *repository) Insert(ctx context.Context, conn *gorm.DB, record *quotadomain.OrgQuota) error {
	if record == nil {
		return quotadomain.ErrInvalidOrganization
	}
	err := conn.WithContext(ctx).Create(record).Error
	if db.IsDuplicateKeyErr(err) {
		return quotadomain.ErrOrgQuotaExists
	}
	return err
}

func (r *repository) FindByOrgID(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (*quotadomain.OrgQuota, error) {
	var record quotadomain.OrgQuota
	err := conn.WithContext(ctx).Where("org_id = ?", orgID).First(&record).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

func (r *repository) UpdateLimits(ctx context.Context, conn *gorm.DB, req quotadomain.ApplyLimitsRequest, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET plan_tier = ?,
		     billing_status = ?,
		     seat_limit = ?,
		     providers_limit = ?,
		     daily_limit = ?,
		     monthly_limit = ?,
		     concurrent_limit = ?,
		     last_event_id = ?,
		     updated_at = ?
		 WHERE org_id = ?`,
		string(req.Tier),
		string(req.Status),
		req.SeatLimit,
		req.ProvidersLimit,
		req.DailyLimit,
		req.MonthlyLimit,
		req.ConcurrentLimit,
		req.EventID,
		now,
		req.OrgID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ResetDay(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, oldStart, newStart, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET pipelines_run_today = 0,
		     period_day_start = ?,
		     updated_at = ?
		 WHERE org_id = ? AND period_day_start = ?`,
		newStart,
		now,
		orgID,
		oldStart,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ResetMonth(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, oldStart, newStart, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET pipelines_run_month = 0,
		     period_month_start = ?,
		     updated_at = ?
		 WHERE org_id = ? AND period_month_start = ?`,
		newStart,
		now,
		orgID,
		oldStart,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) TryReserveRun(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, limits plan.Limits, now time.Time) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET pipelines_run_today = pipelines_run_today + 1,
		     pipelines_run_month = pipelines_run_month + 1,
		     pipelines_running_concurrent = pipelines_running_concurrent + 1,
		     updated_at = ?
		 WHERE org_id = ?
		   AND pipelines_run_today < ?
		   AND pipelines_run_month < ?
		   AND pipelines_running_concurrent < ?`,
		now,
		orgID,
		limits.DailyRuns,
		limits.MonthlyRuns,
		limits.ConcurrentRuns,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repository) ReleaseRun(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, now time.Time) error {
	return conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET pipelines_running_concurrent = CASE
		         WHEN pipelines_running_concurrent > 0 THEN pipelines_running_concurrent - 1
		         ELSE 0
		     END,
		     updated_at = ?
		 WHERE org_id = ?`,
		now,
		orgID,
	).Error
}

func (r *repository) SetConcurrent(ctx context.Context, conn *gorm.DB, orgID snowflake.ID, value int64, now time.Time) error {
	if value < 0 {
		value = 0
	}
	return conn.WithContext(ctx).Exec(
		`UPDATE org_quotas
		 SET pipelines_running_concurrent = ?,
		     updated_at = ?
		 WHERE org_id = ?`,
		value,
		now,
		orgID,
	).Error
}
