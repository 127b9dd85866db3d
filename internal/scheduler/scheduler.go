// Package scheduler runs the reconciliation sweep that keeps the concurrent
// run gauge honest when callers crash without releasing their slot.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	obsmetrics "github.com/cloudact/quotagate/internal/observability/metrics"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

var ErrInvalidConfig = errors.New("invalid_scheduler_config")

type Params struct {
	fx.In

	DB        *gorm.DB
	Log       *zap.Logger
	Clock     clock.Clock
	QuotaRepo quotadomain.Repository
	RunRepo   pipelinedomain.Repository

	Config     Config              `optional:"true"`
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Scheduler struct {
	db         *gorm.DB
	log        *zap.Logger
	cfg        Config
	clock      clock.Clock
	quotaRepo  quotadomain.Repository
	runRepo    pipelinedomain.Repository
	obsMetrics *obsmetrics.Metrics
}

func New(p Params) (*Scheduler, error) {
	if p.DB == nil || p.Log == nil || p.Clock == nil || p.QuotaRepo == nil || p.RunRepo == nil {
		return nil, ErrInvalidConfig
	}
	return &Scheduler{
		db:         p.DB,
		log:        p.Log.Named("scheduler").With(zap.String("component", "scheduler")),
		cfg:        p.Config.withDefaults(),
		clock:      p.Clock,
		quotaRepo:  p.QuotaRepo,
		runRepo:    p.RunRepo,
		obsMetrics: p.ObsMetrics,
	}, nil
}

func (s *Scheduler) runJob(parent context.Context, name string, fn func(ctx context.Context) error) error {
	start := s.clock.Now()
	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	err := fn(ctx)
	obsmetrics.Sweep().ObserveJob(name, time.Since(start), err)
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		s.log.Warn("sweep job timed out",
			zap.String("job", name),
			zap.Duration("timeout", s.cfg.JobTimeout),
			zap.Error(err),
		)
		return nil
	}
	return fmt.Errorf("%s: %w", name, err)
}

func (s *Scheduler) RunOnce(parent context.Context) error {
	var err error
	err = errors.Join(err, s.runJob(parent, "abandon_stale_runs", s.AbandonStaleRunsJob))
	err = errors.Join(err, s.runJob(parent, "reconcile_concurrent", s.ReconcileConcurrentJob))
	return err
}

func (s *Scheduler) RunForever(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.RunInterval)
	defer ticker.Stop()
	nextRun := s.clock.Now().Add(s.cfg.RunInterval)

	for {
		runLag := time.Since(nextRun)
		if runLag > 0 {
			obsmetrics.Sweep().ObserveRunLoopLag(runLag)
		}
		if err := s.RunOnce(ctx); err != nil {
			s.log.Warn("sweep run failed", zap.Error(err))
		}
		nextRun = nextRun.Add(s.cfg.RunInterval)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// AbandonStaleRunsJob closes RUNNING rows whose owner stopped heartbeating.
// The gauge is repaired afterwards by ReconcileConcurrentJob, so a crash
// between the two jobs only delays the correction by one sweep.
func (s *Scheduler) AbandonStaleRunsJob(ctx context.Context) error {
	now := s.clock.Now().UTC()
	cutoff := now.Add(-s.cfg.AbandonAfter)

	abandoned, err := s.runRepo.AbandonStale(ctx, s.db, cutoff, now)
	if err != nil {
		return err
	}
	if abandoned > 0 {
		obsmetrics.Sweep().RecordCorrection("abandoned_runs")
		if s.obsMetrics != nil {
			s.obsMetrics.RecordSweepCorrection(ctx, "abandoned_runs")
		}
		s.log.Info("abandoned stale runs",
			zap.Int64("count", abandoned),
			zap.Time("cutoff", cutoff),
		)
	}
	return nil
}

// ReconcileConcurrentJob rewrites each org's concurrent gauge from the count
// of open run rows, the source of truth.
func (s *Scheduler) ReconcileConcurrentJob(ctx context.Context) error {
	now := s.clock.Now().UTC()

	orgIDs, err := s.runRepo.OrgsToReconcile(ctx, s.db)
	if err != nil {
		return err
	}

	var jobErr error
	for _, orgID := range orgIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		record, err := s.quotaRepo.FindByOrgID(ctx, s.db, orgID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if record == nil {
			continue
		}

		running, err := s.runRepo.CountRunning(ctx, s.db, orgID)
		if err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}
		if record.PipelinesRunningConcurrent == running {
			continue
		}

		if err := s.quotaRepo.SetConcurrent(ctx, s.db, orgID, running, now); err != nil {
			jobErr = errors.Join(jobErr, err)
			continue
		}

		obsmetrics.Sweep().RecordCorrection("concurrent_drift")
		if s.obsMetrics != nil {
			s.obsMetrics.RecordSweepCorrection(ctx, "concurrent_drift")
		}
		s.log.Warn("corrected concurrent gauge drift",
			zap.String("org_id", orgID.String()),
			zap.Int64("stored", record.PipelinesRunningConcurrent),
			zap.Int64("actual", running),
		)
	}
	return jobErr
}
