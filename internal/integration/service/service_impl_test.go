package service_test

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/config"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	gateservice "github.com/cloudact/quotagate/internal/gate/service"
	"github.com/cloudact/quotagate/internal/integration"
	integrationdomain "github.com/cloudact/quotagate/internal/integration/domain"
	integrationrepo "github.com/cloudact/quotagate/internal/integration/repository"
	integrationservice "github.com/cloudact/quotagate/internal/integration/service"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	pipelinerepo "github.com/cloudact/quotagate/internal/pipeline/repository"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	quotarepo "github.com/cloudact/quotagate/internal/quota/repository"
	quotaservice "github.com/cloudact/quotagate/internal/quota/service"
)

type staticSeats struct{}

func (staticSeats) CountMembers(ctx context.Context, orgID snowflake.ID) (int64, error) {
	return 1, nil
}

func setupService(t *testing.T, nodeID int64) (integrationdomain.Service, snowflake.ID, *gorm.DB) {
	t.Helper()

	dsn := fmt.Sprintf("file:memdb_integration_%d_%d?mode=memory&cache=shared", nodeID, time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := db.AutoMigrate(
		&quotadomain.OrgQuota{},
		&pipelinedomain.PipelineRun{},
		&integrationdomain.Credential{},
	); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}

	sysClock := clock.NewSystemClock()
	quotaSvc := quotaservice.NewService(quotaservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		Clock:   sysClock,
		Catalog: plan.NewCatalog(nil),
		Repo:    quotarepo.NewRepository(),
	})

	credRepo := integrationrepo.Provide()
	gateSvc := gateservice.NewService(gateservice.Params{
		DB:           db,
		Log:          zap.NewNop(),
		GenID:        node,
		Clock:        sysClock,
		QuotaSvc:     quotaSvc,
		QuotaRepo:    quotarepo.NewRepository(),
		RunRepo:      pipelinerepo.Provide(),
		Seats:        staticSeats{},
		Integrations: integration.NewCounter(db, credRepo),
	})
	svc := integrationservice.NewService(integrationservice.Params{
		DB:      db,
		Log:     zap.NewNop(),
		GenID:   node,
		Clock:   sysClock,
		Cfg:     config.Config{IntegrationConfigSecret: "int_secret"},
		Repo:    credRepo,
		GateSvc: gateSvc,
	})

	orgID := node.Generate()
	if _, err := quotaSvc.CreateForOrg(context.Background(), orgID, plan.TierStarter, "UTC"); err != nil {
		t.Fatalf("create quota: %v", err)
	}
	return svc, orgID, db
}

func TestRegisterEnforcesProviderLimit(t *testing.T) {
	ctx := context.Background()
	svc, orgID, _ := setupService(t, 40)

	// STARTER allows 3 integrations.
	for i := 0; i < 3; i++ {
		_, err := svc.Register(ctx, integrationdomain.RegisterRequest{
			OrgID:    orgID,
			Provider: "github",
			Name:     fmt.Sprintf("conn-%d", i),
			Config:   map[string]any{"token": "tok"},
		})
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
	}

	_, err := svc.Register(ctx, integrationdomain.RegisterRequest{
		OrgID:    orgID,
		Provider: "github",
		Name:     "conn-3",
		Config:   map[string]any{"token": "tok"},
	})
	var rejection *gatedomain.RejectionError
	if !errors.As(err, &rejection) {
		t.Fatalf("expected RejectionError, got %v", err)
	}
	if rejection.Decision.Reason != gatedomain.ReasonProviderLimit {
		t.Fatalf("expected PROVIDER_LIMIT, got %s", rejection.Decision.Reason)
	}

	summaries, err := svc.List(ctx, orgID)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(summaries) != 3 {
		t.Fatalf("expected 3 credentials, got %d", len(summaries))
	}
}

func TestRemoveFreesSlot(t *testing.T) {
	ctx := context.Background()
	svc, orgID, _ := setupService(t, 41)

	var lastID snowflake.ID
	for i := 0; i < 3; i++ {
		summary, err := svc.Register(ctx, integrationdomain.RegisterRequest{
			OrgID:    orgID,
			Provider: "gitlab",
			Name:     fmt.Sprintf("conn-%d", i),
			Config:   map[string]any{"token": "tok"},
		})
		if err != nil {
			t.Fatalf("register %d: %v", i, err)
		}
		lastID = summary.ID
	}

	if err := svc.Remove(ctx, orgID, lastID); err != nil {
		t.Fatalf("remove: %v", err)
	}

	if _, err := svc.Register(ctx, integrationdomain.RegisterRequest{
		OrgID:    orgID,
		Provider: "gitlab",
		Name:     "conn-again",
		Config:   map[string]any{"token": "tok"},
	}); err != nil {
		t.Fatalf("register after remove: %v", err)
	}

	if err := svc.Remove(ctx, orgID, lastID); !errors.Is(err, integrationdomain.ErrCredentialNotFound) {
		t.Fatalf("expected ErrCredentialNotFound, got %v", err)
	}
}

func TestStoredConfigIsEncrypted(t *testing.T) {
	ctx := context.Background()
	svc, orgID, db := setupService(t, 42)

	if _, err := svc.Register(ctx, integrationdomain.RegisterRequest{
		OrgID:    orgID,
		Provider: "github",
		Name:     "main",
		Config:   map[string]any{"token": "super-secret"},
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	var stored string
	if err := db.Raw("SELECT config FROM integration_credentials LIMIT 1").Scan(&stored).Error; err != nil {
		t.Fatalf("scan config: %v", err)
	}
	if stored == "" {
		t.Fatalf("expected sealed config")
	}
	if strings.Contains(stored, "super-secret") {
		t.Fatalf("plaintext secret leaked into storage")
	}

	sum := sha256.Sum256([]byte("int_secret"))
	opened, err := integrationservice.DecryptConfig(sum[:], []byte(stored))
	if err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	if opened["token"] != "super-secret" {
		t.Fatalf("expected round-trip token, got %v", opened["token"])
	}
}
