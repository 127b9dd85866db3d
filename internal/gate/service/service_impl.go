package service

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	obsmetrics "github.com/cloudact/quotagate/internal/observability/metrics"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

type Params struct {
	fx.In

	DB           *gorm.DB
	Log          *zap.Logger
	GenID        *snowflake.Node
	Clock        clock.Clock
	QuotaSvc     quotadomain.Service
	QuotaRepo    quotadomain.Repository
	RunRepo      pipelinedomain.Repository
	Seats        gatedomain.SeatCounter
	Integrations gatedomain.IntegrationCounter
	ObsMetrics   *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db           *gorm.DB
	log          *zap.Logger
	genID        *snowflake.Node
	clock        clock.Clock
	quotaSvc     quotadomain.Service
	quotaRepo    quotadomain.Repository
	runRepo      pipelinedomain.Repository
	seats        gatedomain.SeatCounter
	integrations gatedomain.IntegrationCounter
	obsMetrics   *obsmetrics.Metrics
}

func NewService(p Params) gatedomain.Service {
	return &Service{
		db:           p.DB,
		log:          p.Log.Named("gate.service"),
		genID:        p.GenID,
		clock:        p.Clock,
		quotaSvc:     p.QuotaSvc,
		quotaRepo:    p.QuotaRepo,
		runRepo:      p.RunRepo,
		seats:        p.Seats,
		integrations: p.Integrations,
		obsMetrics:   p.ObsMetrics,
	}
}

// storeErr tags failures from the quota store or derived counters so the
// transport layer can fail closed with 503 instead of a generic 500.
func storeErr(err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %v", gatedomain.ErrStoreUnavailable, err)
}

// CheckAndReserve implements domain.Service.
func (s *Service) CheckAndReserve(ctx context.Context, orgID snowflake.ID, resource gatedomain.Resource) (gatedomain.Decision, error) {
	record, err := s.quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		return gatedomain.Decision{}, err
	}
	limits, err := s.quotaSvc.EffectiveLimits(record)
	if err != nil {
		return gatedomain.Decision{}, err
	}

	// Billing status wins over every numeric check.
	if record.BillingStatus.Inactive() {
		return s.reject(ctx, resource, gatedomain.ReasonBillingInactive,
			fmt.Sprintf("billing status %s blocks %s", record.BillingStatus, resource)), nil
	}

	switch resource {
	case gatedomain.ResourcePipelineRun:
		return s.reservePipelineRun(ctx, orgID, limits)
	case gatedomain.ResourceSeat:
		used, err := s.seats.CountMembers(ctx, orgID)
		if err != nil {
			return gatedomain.Decision{}, storeErr(err)
		}
		if used >= limits.Seats {
			return s.reject(ctx, resource, gatedomain.ReasonSeatLimit,
				fmt.Sprintf("seat limit reached (%d/%d)", used, limits.Seats)), nil
		}
		return s.allow(ctx, resource, 0), nil
	case gatedomain.ResourceIntegration:
		used, err := s.integrations.CountCredentials(ctx, orgID)
		if err != nil {
			return gatedomain.Decision{}, storeErr(err)
		}
		if used >= limits.Providers {
			return s.reject(ctx, resource, gatedomain.ReasonProviderLimit,
				fmt.Sprintf("integration limit reached (%d/%d)", used, limits.Providers)), nil
		}
		return s.allow(ctx, resource, 0), nil
	default:
		return gatedomain.Decision{}, gatedomain.ErrUnknownResource
	}
}

func (s *Service) reservePipelineRun(ctx context.Context, orgID snowflake.ID, limits plan.Limits) (gatedomain.Decision, error) {
	now := s.clock.Now()

	reserved, err := s.quotaRepo.TryReserveRun(ctx, s.db, orgID, limits, now)
	if err != nil {
		return gatedomain.Decision{}, storeErr(err)
	}
	if !reserved {
		return s.rejectRunWithReason(ctx, orgID)
	}

	run := pipelinedomain.PipelineRun{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		State:     pipelinedomain.RunStateRunning,
		StartedAt: now,
	}
	if err := s.runRepo.OpenRun(ctx, s.db, &run); err != nil {
		// Give the concurrent slot back; the period counters stay spent
		// until the sweep, which only ever corrects the gauge.
		if releaseErr := s.quotaRepo.ReleaseRun(ctx, s.db, orgID, s.clock.Now()); releaseErr != nil {
			s.log.Error("failed to release slot after open-run failure",
				zap.String("org_id", orgID.String()), zap.Error(releaseErr))
		}
		return gatedomain.Decision{}, storeErr(err)
	}

	return s.allow(ctx, gatedomain.ResourcePipelineRun, run.ID), nil
}

// rejectRunWithReason re-reads the record to name the first exceeded limit.
// Checks run in daily, monthly, concurrent order.
func (s *Service) rejectRunWithReason(ctx context.Context, orgID snowflake.ID) (gatedomain.Decision, error) {
	record, err := s.quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		return gatedomain.Decision{}, err
	}
	limits, err := s.quotaSvc.EffectiveLimits(record)
	if err != nil {
		return gatedomain.Decision{}, err
	}

	switch {
	case record.PipelinesRunToday >= limits.DailyRuns:
		return s.reject(ctx, gatedomain.ResourcePipelineRun, gatedomain.ReasonDailyLimit,
			fmt.Sprintf("daily run limit reached (%d/%d)", record.PipelinesRunToday, limits.DailyRuns)), nil
	case record.PipelinesRunMonth >= limits.MonthlyRuns:
		return s.reject(ctx, gatedomain.ResourcePipelineRun, gatedomain.ReasonMonthlyLimit,
			fmt.Sprintf("monthly run limit reached (%d/%d)", record.PipelinesRunMonth, limits.MonthlyRuns)), nil
	default:
		return s.reject(ctx, gatedomain.ResourcePipelineRun, gatedomain.ReasonConcurrentLimit,
			fmt.Sprintf("concurrent run limit reached (%d/%d)", record.PipelinesRunningConcurrent, limits.ConcurrentRuns)), nil
	}
}

// Release implements domain.Service.
func (s *Service) Release(ctx context.Context, orgID, runID snowflake.ID) error {
	if orgID == 0 || runID == 0 {
		return pipelinedomain.ErrInvalidRun
	}

	now := s.clock.Now()
	closed, err := s.runRepo.CloseRun(ctx, s.db, orgID, runID, pipelinedomain.RunStateCompleted, now)
	if err != nil {
		return storeErr(err)
	}
	if !closed {
		// Double release or sweep got there first; the gauge was already
		// handed back.
		return nil
	}
	return storeErr(s.quotaRepo.ReleaseRun(ctx, s.db, orgID, now))
}

// WithPipelineSlot implements domain.Service.
func (s *Service) WithPipelineSlot(ctx context.Context, orgID snowflake.ID, fn func(ctx context.Context) error) error {
	decision, err := s.CheckAndReserve(ctx, orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return &gatedomain.RejectionError{Decision: decision}
	}

	defer func() {
		if releaseErr := s.Release(ctx, orgID, decision.RunID); releaseErr != nil {
			s.log.Error("pipeline slot release failed",
				zap.String("org_id", orgID.String()),
				zap.String("run_id", decision.RunID.String()),
				zap.Error(releaseErr))
		}
	}()

	return fn(ctx)
}

// GetQuotaStatus implements domain.Service.
func (s *Service) GetQuotaStatus(ctx context.Context, orgID snowflake.ID) (gatedomain.QuotaStatus, error) {
	record, err := s.quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		return gatedomain.QuotaStatus{}, err
	}
	limits, err := s.quotaSvc.EffectiveLimits(record)
	if err != nil {
		return gatedomain.QuotaStatus{}, err
	}

	seatsUsed, err := s.seats.CountMembers(ctx, orgID)
	if err != nil {
		return gatedomain.QuotaStatus{}, storeErr(err)
	}
	integrationsUsed, err := s.integrations.CountCredentials(ctx, orgID)
	if err != nil {
		return gatedomain.QuotaStatus{}, storeErr(err)
	}

	return gatedomain.QuotaStatus{
		OrgID:         record.OrgID,
		PlanTier:      string(record.PlanTier),
		BillingStatus: string(record.BillingStatus),
		Resources: []gatedomain.ResourceUsage{
			usage("daily_runs", record.PipelinesRunToday, limits.DailyRuns),
			usage("monthly_runs", record.PipelinesRunMonth, limits.MonthlyRuns),
			usage("concurrent_runs", record.PipelinesRunningConcurrent, limits.ConcurrentRuns),
			usage(gatedomain.ResourceSeat, seatsUsed, limits.Seats),
			usage(gatedomain.ResourceIntegration, integrationsUsed, limits.Providers),
		},
	}, nil
}

func usage(resource gatedomain.Resource, used, limit int64) gatedomain.ResourceUsage {
	percent := 0.0
	if limit > 0 {
		percent = float64(used) / float64(limit) * 100
	}
	return gatedomain.ResourceUsage{
		Resource: resource,
		Used:     used,
		Limit:    limit,
		Percent:  percent,
	}
}

func (s *Service) allow(ctx context.Context, resource gatedomain.Resource, runID snowflake.ID) gatedomain.Decision {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAdmissionAllowed(ctx, string(resource))
	}
	return gatedomain.Decision{Allowed: true, RunID: runID}
}

func (s *Service) reject(ctx context.Context, resource gatedomain.Resource, reason gatedomain.RejectionReason, message string) gatedomain.Decision {
	if s.obsMetrics != nil {
		s.obsMetrics.RecordAdmissionRejected(ctx, string(resource), string(reason))
	}
	return gatedomain.Decision{Allowed: false, Reason: reason, Message: message}
}
