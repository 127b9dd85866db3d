package scheduler

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	pipelinerepo "github.com/cloudact/quotagate/internal/pipeline/repository"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	quotarepo "github.com/cloudact/quotagate/internal/quota/repository"
)

type sweepHarness struct {
	sched *Scheduler
	clock *clock.FakeClock
	db    *gorm.DB
	node  *snowflake.Node
}

func newSweepHarness(t *testing.T, nodeID int64) sweepHarness {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_sweep_%d_%d?mode=memory&cache=shared", nodeID, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&quotadomain.OrgQuota{}, &pipelinedomain.PipelineRun{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	fakeClock := clock.NewFakeClock(time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC))
	sched, err := New(Params{
		DB:        db,
		Log:       zap.NewNop(),
		Clock:     fakeClock,
		QuotaRepo: quotarepo.NewRepository(),
		RunRepo:   pipelinerepo.Provide(),
		Config:    Config{RunInterval: time.Minute, AbandonAfter: 30 * time.Minute, JobTimeout: 10 * time.Second},
	})
	if err != nil {
		t.Fatalf("new scheduler: %v", err)
	}
	return sweepHarness{sched: sched, clock: fakeClock, db: db, node: node}
}

func (h sweepHarness) seedOrg(t *testing.T, gauge int64) snowflake.ID {
	t.Helper()
	now := h.clock.Now().UTC()
	orgID := h.node.Generate()
	record := quotadomain.OrgQuota{
		OrgID:                      orgID,
		PlanTier:                   plan.TierStarter,
		BillingStatus:              quotadomain.BillingStatusActive,
		Timezone:                   "UTC",
		PipelinesRunningConcurrent: gauge,
		PeriodDayStart:             now,
		PeriodMonthStart:           now,
		CreatedAt:                  now,
		UpdatedAt:                  now,
	}
	if err := h.db.Create(&record).Error; err != nil {
		t.Fatalf("seed org quota: %v", err)
	}
	return orgID
}

func (h sweepHarness) seedRun(t *testing.T, orgID snowflake.ID, startedAgo time.Duration) snowflake.ID {
	t.Helper()
	run := pipelinedomain.PipelineRun{
		ID:        h.node.Generate(),
		OrgID:     orgID,
		State:     pipelinedomain.RunStateRunning,
		StartedAt: h.clock.Now().UTC().Add(-startedAgo),
	}
	if err := h.db.Create(&run).Error; err != nil {
		t.Fatalf("seed run: %v", err)
	}
	return run.ID
}

func (h sweepHarness) gauge(t *testing.T, orgID snowflake.ID) int64 {
	t.Helper()
	var record quotadomain.OrgQuota
	if err := h.db.Where("org_id = ?", orgID).First(&record).Error; err != nil {
		t.Fatalf("load quota: %v", err)
	}
	return record.PipelinesRunningConcurrent
}

func TestSweepAbandonsStaleRunsAndRepairsGauge(t *testing.T) {
	ctx := context.Background()
	h := newSweepHarness(t, 60)

	orgID := h.seedOrg(t, 2)
	staleID := h.seedRun(t, orgID, 45*time.Minute)
	freshID := h.seedRun(t, orgID, 5*time.Minute)

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}

	var stale, fresh pipelinedomain.PipelineRun
	if err := h.db.First(&stale, "id = ?", staleID).Error; err != nil {
		t.Fatalf("load stale run: %v", err)
	}
	if stale.State != pipelinedomain.RunStateAbandoned {
		t.Fatalf("expected stale run ABANDONED, got %s", stale.State)
	}
	if stale.EndedAt == nil {
		t.Fatalf("expected abandoned run to carry an end time")
	}
	if err := h.db.First(&fresh, "id = ?", freshID).Error; err != nil {
		t.Fatalf("load fresh run: %v", err)
	}
	if fresh.State != pipelinedomain.RunStateRunning {
		t.Fatalf("expected fresh run untouched, got %s", fresh.State)
	}

	if got := h.gauge(t, orgID); got != 1 {
		t.Fatalf("expected gauge repaired to 1, got %d", got)
	}
}

func TestSweepCorrectsDriftWithoutOpenRuns(t *testing.T) {
	ctx := context.Background()
	h := newSweepHarness(t, 61)

	// A crashed caller left the gauge stuck with no run rows behind it.
	orgID := h.seedOrg(t, 3)

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := h.gauge(t, orgID); got != 0 {
		t.Fatalf("expected gauge reset to 0, got %d", got)
	}
}

func TestSweepIsNoopWhenConsistent(t *testing.T) {
	ctx := context.Background()
	h := newSweepHarness(t, 62)

	orgID := h.seedOrg(t, 1)
	h.seedRun(t, orgID, 5*time.Minute)

	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	if got := h.gauge(t, orgID); got != 1 {
		t.Fatalf("expected gauge unchanged at 1, got %d", got)
	}
}

func TestSweepHonorsAbandonThresholdBoundary(t *testing.T) {
	ctx := context.Background()
	h := newSweepHarness(t, 63)

	orgID := h.seedOrg(t, 1)
	runID := h.seedRun(t, orgID, 30*time.Minute)

	// Exactly at the threshold the run is still considered live.
	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("run once: %v", err)
	}
	var run pipelinedomain.PipelineRun
	if err := h.db.First(&run, "id = ?", runID).Error; err != nil {
		t.Fatalf("load run: %v", err)
	}
	if run.State != pipelinedomain.RunStateRunning {
		t.Fatalf("expected run still RUNNING at threshold, got %s", run.State)
	}

	h.clock.Advance(time.Minute)
	if err := h.sched.RunOnce(ctx); err != nil {
		t.Fatalf("second run: %v", err)
	}
	if err := h.db.First(&run, "id = ?", runID).Error; err != nil {
		t.Fatalf("reload run: %v", err)
	}
	if run.State != pipelinedomain.RunStateAbandoned {
		t.Fatalf("expected run ABANDONED past threshold, got %s", run.State)
	}
}
