package service

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	clock   clock.Clock
	catalog *plan.Catalog
	repo    quotadomain.Repository
}

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	Clock   clock.Clock
	Catalog *plan.Catalog
	Repo    quotadomain.Repository
}

func NewService(p Params) quotadomain.Service {
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("quota.service"),
		clock:   p.Clock,
		catalog: p.Catalog,
		repo:    p.Repo,
	}
}

// GetQuota implements domain.Service.
func (s *Service) GetQuota(ctx context.Context, orgID snowflake.ID) (quotadomain.OrgQuota, error) {
	if orgID == 0 {
		return quotadomain.OrgQuota{}, quotadomain.ErrInvalidOrganization
	}

	record, err := s.repo.FindByOrgID(ctx, s.db, orgID)
	if err != nil {
		return quotadomain.OrgQuota{}, err
	}
	if record == nil {
		return quotadomain.OrgQuota{}, quotadomain.ErrOrgNotFound
	}

	refreshed, err := s.applyPeriodResets(ctx, *record)
	if err != nil {
		return quotadomain.OrgQuota{}, err
	}
	return refreshed, nil
}

// applyPeriodResets lazily zeroes stale counters. Each reset is a
// compare-and-set against the stored boundary; when the CAS loses to a
// concurrent reader the row is re-read so both see the winner's reset
// exactly once.
func (s *Service) applyPeriodResets(ctx context.Context, record quotadomain.OrgQuota) (quotadomain.OrgQuota, error) {
	loc := record.Location()
	now := s.clock.Now()
	local := now.In(loc)

	dayStart := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	monthStart := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)

	reset := false
	if record.PeriodDayStart.Before(dayStart) {
		won, err := s.repo.ResetDay(ctx, s.db, record.OrgID, record.PeriodDayStart, dayStart, now)
		if err != nil {
			return quotadomain.OrgQuota{}, err
		}
		if !won {
			s.log.Debug("daily reset lost compare-and-set",
				zap.String("org_id", record.OrgID.String()))
		}
		reset = true
	}
	if record.PeriodMonthStart.Before(monthStart) {
		won, err := s.repo.ResetMonth(ctx, s.db, record.OrgID, record.PeriodMonthStart, monthStart, now)
		if err != nil {
			return quotadomain.OrgQuota{}, err
		}
		if !won {
			s.log.Debug("monthly reset lost compare-and-set",
				zap.String("org_id", record.OrgID.String()))
		}
		reset = true
	}

	if !reset {
		return record, nil
	}

	refreshed, err := s.repo.FindByOrgID(ctx, s.db, record.OrgID)
	if err != nil {
		return quotadomain.OrgQuota{}, err
	}
	if refreshed == nil {
		return quotadomain.OrgQuota{}, quotadomain.ErrOrgNotFound
	}
	return *refreshed, nil
}

// EffectiveLimits implements domain.Service.
func (s *Service) EffectiveLimits(record quotadomain.OrgQuota) (plan.Limits, error) {
	limits, err := s.catalog.LimitsFor(record.PlanTier)
	if err != nil {
		return plan.Limits{}, err
	}
	if record.SeatLimit != nil {
		limits.Seats = *record.SeatLimit
	}
	if record.ProvidersLimit != nil {
		limits.Providers = *record.ProvidersLimit
	}
	if record.DailyLimit != nil {
		limits.DailyRuns = *record.DailyLimit
	}
	if record.MonthlyLimit != nil {
		limits.MonthlyRuns = *record.MonthlyLimit
	}
	if record.ConcurrentLimit != nil {
		limits.ConcurrentRuns = *record.ConcurrentLimit
	}
	return limits, nil
}

// CreateForOrg implements domain.Service.
func (s *Service) CreateForOrg(ctx context.Context, orgID snowflake.ID, tier plan.Tier, timezone string) (quotadomain.OrgQuota, error) {
	if orgID == 0 {
		return quotadomain.OrgQuota{}, quotadomain.ErrInvalidOrganization
	}
	if _, err := s.catalog.LimitsFor(tier); err != nil {
		return quotadomain.OrgQuota{}, err
	}

	timezone = strings.TrimSpace(timezone)
	if timezone == "" {
		timezone = "UTC"
	}
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return quotadomain.OrgQuota{}, quotadomain.ErrInvalidTimezone
	}

	now := s.clock.Now()
	local := now.In(loc)
	record := quotadomain.OrgQuota{
		OrgID:            orgID,
		PlanTier:         tier,
		BillingStatus:    quotadomain.BillingStatusTrial,
		Timezone:         timezone,
		PeriodDayStart:   time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc),
		PeriodMonthStart: time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc),
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := s.repo.Insert(ctx, s.db, &record); err != nil {
		return quotadomain.OrgQuota{}, err
	}
	return record, nil
}

// ApplyLimits implements domain.Service. Used only by the billing event
// synchronizer; limit fields and counters are disjoint columns, so this
// commutes with concurrent reservations.
func (s *Service) ApplyLimits(ctx context.Context, req quotadomain.ApplyLimitsRequest) error {
	if req.OrgID == 0 {
		return quotadomain.ErrInvalidOrganization
	}
	if _, err := s.catalog.LimitsFor(req.Tier); err != nil {
		return err
	}

	updated, err := s.repo.UpdateLimits(ctx, s.db, req, s.clock.Now())
	if err != nil {
		return err
	}
	if !updated {
		return quotadomain.ErrOrgNotFound
	}
	return nil
}
