package service_test

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/billingsync/adapters"
	"github.com/cloudact/quotagate/internal/billingsync/adapters/stripe"
	bsdomain "github.com/cloudact/quotagate/internal/billingsync/domain"
	bsrepo "github.com/cloudact/quotagate/internal/billingsync/repository"
	bsservice "github.com/cloudact/quotagate/internal/billingsync/service"
	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/config"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	quotarepo "github.com/cloudact/quotagate/internal/quota/repository"
	quotaservice "github.com/cloudact/quotagate/internal/quota/service"
)

const stripeSecret = "whsec_test"

func setupTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_billingsync_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(&quotadomain.OrgQuota{}, &bsdomain.EventRecord{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func newSyncService(t *testing.T, db *gorm.DB, node *snowflake.Node) (bsdomain.Service, quotadomain.Service) {
	t.Helper()

	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   clock.NewSystemClock(),
		Catalog: plan.NewCatalog(nil),
		Repo:    quotarepo.NewRepository(),
	})
	syncSvc := bsservice.NewService(bsservice.Params{
		DB:       db,
		Log:      zap.NewNop(),
		GenID:    node,
		QuotaSvc: quotaSvc,
		Repo:     bsrepo.Provide(),
		Adapters: adapters.NewRegistry(stripe.NewFactory(clock.NewSystemClock())),
		Cfg:      config.Config{Webhook: config.WebhookConfig{StripeSecret: stripeSecret}},
	})
	return syncSvc, quotaSvc
}

func checkoutPayload(orgID snowflake.ID, eventID string, extra string) []byte {
	now := time.Now().UTC().Unix()
	return []byte(fmt.Sprintf(
		`{"id":"%s","type":"checkout.session.completed","created":%d,"data":{"object":{"id":"cs_1","created":%d,"metadata":{"org_id":"%d","tier":"professional"%s}}}}`,
		eventID, now, now, orgID, extra,
	))
}

func signedHeader(payload []byte) http.Header {
	timestamp := time.Now().Unix()
	signedPayload := fmt.Sprintf("%d.%s", timestamp, string(payload))
	mac := hmac.New(sha256.New, []byte(stripeSecret))
	_, _ = mac.Write([]byte(signedPayload))
	header := http.Header{}
	header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", timestamp, hex.EncodeToString(mac.Sum(nil))))
	return header
}

func TestIngestWebhookAppliesCheckout(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(20)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	payload := checkoutPayload(orgID, "evt_checkout_1", `,"daily_limit":"75"`)
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); err != nil {
		t.Fatalf("ingest webhook: %v", err)
	}

	record, err := quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if record.BillingStatus != quotadomain.BillingStatusActive {
		t.Fatalf("expected ACTIVE status, got %s", record.BillingStatus)
	}
	if record.PlanTier != plan.TierProfessional {
		t.Fatalf("expected PROFESSIONAL tier, got %s", record.PlanTier)
	}
	if record.DailyLimit == nil || *record.DailyLimit != 75 {
		t.Fatalf("expected daily limit override 75, got %v", record.DailyLimit)
	}
	if record.PipelinesRunToday != 0 || record.PipelinesRunMonth != 0 {
		t.Fatalf("expected usage counters untouched")
	}

	var state string
	if err := db.Raw("SELECT state FROM billing_events LIMIT 1").Scan(&state).Error; err != nil {
		t.Fatalf("scan state: %v", err)
	}
	if state != string(bsdomain.EventStateApplied) {
		t.Fatalf("expected APPLIED state, got %s", state)
	}
}

func TestIngestWebhookIdempotent(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(21)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	payload := checkoutPayload(orgID, "evt_dup", "")
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); err != nil {
		t.Fatalf("first ingest: %v", err)
	}
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); !errors.Is(err, bsdomain.ErrEventAlreadyApplied) {
		t.Fatalf("expected ErrEventAlreadyApplied, got %v", err)
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM billing_events").Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 stored event, got %d", count)
	}
}

func TestIngestWebhookBadSignatureNoMutation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(22)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	payload := checkoutPayload(orgID, "evt_forged", "")
	header := http.Header{}
	header.Set("Stripe-Signature", "t=1,v1=deadbeef")

	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, header); !errors.Is(err, bsdomain.ErrInvalidSignature) {
		t.Fatalf("expected ErrInvalidSignature, got %v", err)
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM billing_events").Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored events, got %d", count)
	}

	record, err := quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if record.PlanTier != plan.TierStarter {
		t.Fatalf("expected tier unchanged, got %s", record.PlanTier)
	}
}

func TestIngestWebhookSubscriptionDeleted(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(23)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierScale, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	now := time.Now().UTC().Unix()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_del_1","type":"customer.subscription.deleted","created":%d,"data":{"object":{"id":"sub_1","created":%d,"metadata":{"org_id":"%d"}}}}`,
		now, now, orgID,
	))
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); err != nil {
		t.Fatalf("ingest webhook: %v", err)
	}

	record, err := quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if record.BillingStatus != quotadomain.BillingStatusCancelled {
		t.Fatalf("expected CANCELLED status, got %s", record.BillingStatus)
	}
	if record.PlanTier != plan.TierScale {
		t.Fatalf("expected tier preserved, got %s", record.PlanTier)
	}
}

func TestIngestWebhookIgnoredEventTypeIsNoop(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(24)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, _ := newSyncService(t, db, node)

	payload := []byte(`{"id":"evt_x","type":"invoice.paid","data":{"object":{"id":"in_1"}}}`)
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); err != nil {
		t.Fatalf("expected no-op success, got %v", err)
	}

	var count int64
	if err := db.Raw("SELECT COUNT(1) FROM billing_events").Scan(&count).Error; err != nil {
		t.Fatalf("count events: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no stored events, got %d", count)
	}
}

func TestIngestWebhookUpdatedPreservesBillingStatus(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(25)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	now := time.Now().UTC().Unix()
	deleted := []byte(fmt.Sprintf(
		`{"id":"evt_del_2","type":"customer.subscription.deleted","created":%d,"data":{"object":{"id":"sub_2","created":%d,"metadata":{"org_id":"%d"}}}}`,
		now, now, orgID,
	))
	if err := syncSvc.IngestWebhook(ctx, "stripe", deleted, signedHeader(deleted)); err != nil {
		t.Fatalf("ingest deleted: %v", err)
	}

	// A late or out-of-order update delivery must move tier and limits
	// only; the cancellation stands until its own event reverses it.
	updated := []byte(fmt.Sprintf(
		`{"id":"evt_upd_2","type":"customer.subscription.updated","created":%d,"data":{"object":{"id":"sub_2","created":%d,"metadata":{"org_id":"%d","tier":"scale"}}}}`,
		now, now, orgID,
	))
	if err := syncSvc.IngestWebhook(ctx, "stripe", updated, signedHeader(updated)); err != nil {
		t.Fatalf("ingest updated: %v", err)
	}

	record, err := quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if record.BillingStatus != quotadomain.BillingStatusCancelled {
		t.Fatalf("expected status to stay CANCELLED, got %s", record.BillingStatus)
	}
	if record.PlanTier != plan.TierScale {
		t.Fatalf("expected tier moved to SCALE, got %s", record.PlanTier)
	}
}

func TestIngestWebhookMalformedEventStoredRejected(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)

	node, err := snowflake.NewNode(26)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	syncSvc, quotaSvc := newSyncService(t, db, node)

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(ctx, orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}

	now := time.Now().UTC().Unix()
	payload := []byte(fmt.Sprintf(
		`{"id":"evt_bad_tier","type":"customer.subscription.updated","created":%d,"data":{"object":{"id":"sub_3","created":%d,"metadata":{"org_id":"%d","tier":"gold"}}}}`,
		now, now, orgID,
	))
	if err := syncSvc.IngestWebhook(ctx, "stripe", payload, signedHeader(payload)); !errors.Is(err, bsdomain.ErrInvalidEvent) {
		t.Fatalf("expected ErrInvalidEvent, got %v", err)
	}

	var row struct {
		State        string
		RejectReason string
	}
	if err := db.Raw(
		"SELECT state, reject_reason FROM billing_events WHERE provider_event_id = ?", "evt_bad_tier",
	).Scan(&row).Error; err != nil {
		t.Fatalf("scan rejected row: %v", err)
	}
	if row.State != string(bsdomain.EventStateRejected) {
		t.Fatalf("expected REJECTED state, got %q", row.State)
	}
	if row.RejectReason == "" {
		t.Fatalf("expected a reject reason to be recorded")
	}

	record, err := quotaSvc.GetQuota(ctx, orgID)
	if err != nil {
		t.Fatalf("get quota: %v", err)
	}
	if record.PlanTier != plan.TierStarter {
		t.Fatalf("expected tier unchanged, got %s", record.PlanTier)
	}
}
