package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	gateservice "github.com/cloudact/quotagate/internal/gate/service"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	pipelinerepo "github.com/cloudact/quotagate/internal/pipeline/repository"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	quotarepo "github.com/cloudact/quotagate/internal/quota/repository"
	quotaservice "github.com/cloudact/quotagate/internal/quota/service"
)

type fakeSeats struct {
	mu    sync.Mutex
	count int64
	err   error
}

func (f *fakeSeats) CountMembers(ctx context.Context, orgID snowflake.ID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}

type fakeIntegrations struct {
	mu    sync.Mutex
	count int64
	err   error
}

func (f *fakeIntegrations) CountCredentials(ctx context.Context, orgID snowflake.ID) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.count, f.err
}

type harness struct {
	db       *gorm.DB
	node     *snowflake.Node
	clock    *clock.FakeClock
	quotaSvc quotadomain.Service
	gateSvc  gatedomain.Service
	seats    *fakeSeats
	creds    *fakeIntegrations
	orgID    snowflake.ID
}

func newHarness(t *testing.T, nodeID int64, tier plan.Tier) *harness {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_gate_%d_%d?mode=memory&cache=shared", nodeID, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("db handle: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&quotadomain.OrgQuota{}, &pipelinedomain.PipelineRun{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	fakeClock := clock.NewFakeClock(time.Date(2026, time.March, 10, 9, 0, 0, 0, time.UTC))
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   fakeClock,
		Catalog: plan.NewCatalog(nil),
		Repo:    quotarepo.NewRepository(),
	})

	seats := &fakeSeats{}
	creds := &fakeIntegrations{}
	gateSvc := gateservice.NewService(gateservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        fakeClock,
		QuotaSvc:     quotaSvc,
		QuotaRepo:    quotarepo.NewRepository(),
		RunRepo:      pipelinerepo.Provide(),
		Seats:        seats,
		Integrations: creds,
	})

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(context.Background(), orgID, tier, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	return &harness{
		db:       db,
		node:     node,
		clock:    fakeClock,
		quotaSvc: quotaSvc,
		gateSvc:  gateSvc,
		seats:    seats,
		creds:    creds,
		orgID:    orgID,
	}
}

func (h *harness) concurrentGauge(t *testing.T) int64 {
	t.Helper()
	var gauge int64
	if err := h.db.Raw(
		"SELECT pipelines_running_concurrent FROM org_quotas WHERE org_id = ?", h.orgID,
	).Scan(&gauge).Error; err != nil {
		t.Fatalf("scan gauge: %v", err)
	}
	return gauge
}

func TestDailyLimitStrictBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 30, plan.TierStarter)

	// STARTER allows 6 runs per day with 1 concurrent slot.
	for i := 0; i < 6; i++ {
		decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
		if err != nil {
			t.Fatalf("reserve %d: %v", i, err)
		}
		if !decision.Allowed {
			t.Fatalf("expected run %d allowed, got %s", i, decision.Reason)
		}
		if err := h.gateSvc.Release(ctx, h.orgID, decision.RunID); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		t.Fatalf("reserve 7th: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected 7th run rejected at used == limit")
	}
	if decision.Reason != gatedomain.ReasonDailyLimit {
		t.Fatalf("expected DAILY_LIMIT, got %s", decision.Reason)
	}
}

func TestBillingInactiveBeatsNumericChecks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 31, plan.TierProfessional)

	if err := h.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
		OrgID:   h.orgID,
		Tier:    plan.TierProfessional,
		Status:  quotadomain.BillingStatusSuspended,
		EventID: "evt_suspend",
	}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	for _, resource := range []gatedomain.Resource{
		gatedomain.ResourcePipelineRun,
		gatedomain.ResourceSeat,
		gatedomain.ResourceIntegration,
	} {
		decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, resource)
		if err != nil {
			t.Fatalf("reserve %s: %v", resource, err)
		}
		if decision.Allowed || decision.Reason != gatedomain.ReasonBillingInactive {
			t.Fatalf("expected BILLING_INACTIVE for %s with zero usage, got %+v", resource, decision)
		}
	}
}

func TestConcurrentReservationsNeverOverAdmit(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 32, plan.TierProfessional)

	two := int64(2)
	big := int64(1000)
	if err := h.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
		OrgID:           h.orgID,
		Tier:            plan.TierProfessional,
		Status:          quotadomain.BillingStatusActive,
		DailyLimit:      &big,
		MonthlyLimit:    &big,
		ConcurrentLimit: &two,
		EventID:         "evt_limits",
	}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	const workers = 3
	decisions := make([]gatedomain.Decision, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
		}(i)
	}
	wg.Wait()

	allowed := 0
	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("reserve %d: %v", i, errs[i])
		}
		if decisions[i].Allowed {
			allowed++
		} else if decisions[i].Reason != gatedomain.ReasonConcurrentLimit {
			t.Fatalf("expected CONCURRENT_LIMIT rejection, got %s", decisions[i].Reason)
		}
	}
	if allowed != 2 {
		t.Fatalf("expected exactly 2 admissions, got %d", allowed)
	}
	if gauge := h.concurrentGauge(t); gauge != 2 {
		t.Fatalf("expected gauge 2, got %d", gauge)
	}
}

func TestReleaseIsIdempotentAndClamped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 33, plan.TierProfessional)

	decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected admission, got %s", decision.Reason)
	}

	if err := h.gateSvc.Release(ctx, h.orgID, decision.RunID); err != nil {
		t.Fatalf("release: %v", err)
	}
	if err := h.gateSvc.Release(ctx, h.orgID, decision.RunID); err != nil {
		t.Fatalf("double release: %v", err)
	}
	if gauge := h.concurrentGauge(t); gauge != 0 {
		t.Fatalf("expected gauge 0 after double release, got %d", gauge)
	}
}

func TestUpgradeMidPeriodUnlocksNextRun(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 34, plan.TierStarter)

	for i := 0; i < 6; i++ {
		decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
		if err != nil || !decision.Allowed {
			t.Fatalf("reserve %d: allowed=%v err=%v", i, decision.Allowed, err)
		}
		if err := h.gateSvc.Release(ctx, h.orgID, decision.RunID); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	seven := int64(7)
	if err := h.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
		OrgID:      h.orgID,
		Tier:       plan.TierStarter,
		Status:     quotadomain.BillingStatusActive,
		DailyLimit: &seven,
		EventID:    "evt_upgrade",
	}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		t.Fatalf("reserve after upgrade: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected 7th run allowed after limit raise, got %s", decision.Reason)
	}
}

func TestSeatAndIntegrationStrictBoundary(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 35, plan.TierStarter)

	h.seats.count = 3
	decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourceSeat)
	if err != nil {
		t.Fatalf("reserve seat: %v", err)
	}
	if decision.Allowed || decision.Reason != gatedomain.ReasonSeatLimit {
		t.Fatalf("expected SEAT_LIMIT at used == limit, got %+v", decision)
	}

	h.seats.count = 2
	decision, err = h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourceSeat)
	if err != nil || !decision.Allowed {
		t.Fatalf("expected seat admission, decision=%+v err=%v", decision, err)
	}

	h.creds.count = 3
	decision, err = h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourceIntegration)
	if err != nil {
		t.Fatalf("reserve integration: %v", err)
	}
	if decision.Allowed || decision.Reason != gatedomain.ReasonProviderLimit {
		t.Fatalf("expected PROVIDER_LIMIT at used == limit, got %+v", decision)
	}
}

func TestWithPipelineSlotReleasesOnError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 36, plan.TierProfessional)

	wantErr := errors.New("boom")
	err := h.gateSvc.WithPipelineSlot(ctx, h.orgID, func(ctx context.Context) error {
		if gauge := h.concurrentGauge(t); gauge != 1 {
			t.Fatalf("expected gauge 1 inside slot, got %d", gauge)
		}
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected fn error passthrough, got %v", err)
	}
	if gauge := h.concurrentGauge(t); gauge != 0 {
		t.Fatalf("expected gauge 0 after error exit, got %d", gauge)
	}
}

func TestWithPipelineSlotRejectionError(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 37, plan.TierStarter)

	if err := h.quotaSvc.ApplyLimits(ctx, quotadomain.ApplyLimitsRequest{
		OrgID:   h.orgID,
		Tier:    plan.TierStarter,
		Status:  quotadomain.BillingStatusCancelled,
		EventID: "evt_cancel",
	}); err != nil {
		t.Fatalf("apply limits: %v", err)
	}

	err := h.gateSvc.WithPipelineSlot(ctx, h.orgID, func(ctx context.Context) error {
		t.Fatalf("fn must not run when rejected")
		return nil
	})
	var rejection *gatedomain.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rejection.Decision.Reason != gatedomain.ReasonBillingInactive {
		t.Fatalf("expected BILLING_INACTIVE, got %s", rejection.Decision.Reason)
	}
}

func TestLazyDailyResetRollsOver(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 38, plan.TierStarter)

	for i := 0; i < 6; i++ {
		decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
		if err != nil || !decision.Allowed {
			t.Fatalf("reserve %d: allowed=%v err=%v", i, decision.Allowed, err)
		}
		if err := h.gateSvc.Release(ctx, h.orgID, decision.RunID); err != nil {
			t.Fatalf("release %d: %v", i, err)
		}
	}

	decision, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		t.Fatalf("reserve exhausted: %v", err)
	}
	if decision.Allowed {
		t.Fatalf("expected rejection before rollover")
	}

	h.clock.Advance(24 * time.Hour)

	decision, err = h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourcePipelineRun)
	if err != nil {
		t.Fatalf("reserve after rollover: %v", err)
	}
	if !decision.Allowed {
		t.Fatalf("expected admission after day rollover, got %s", decision.Reason)
	}
}

func TestCounterFailureTaggedStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, 39, plan.TierStarter)

	h.seats.err = errors.New("connection refused")
	if _, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourceSeat); !errors.Is(err, gatedomain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable for seat counter failure, got %v", err)
	}

	h.creds.err = errors.New("connection refused")
	if _, err := h.gateSvc.CheckAndReserve(ctx, h.orgID, gatedomain.ResourceIntegration); !errors.Is(err, gatedomain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable for integration counter failure, got %v", err)
	}

	if _, err := h.gateSvc.GetQuotaStatus(ctx, h.orgID); !errors.Is(err, gatedomain.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable from status, got %v", err)
	}
}
