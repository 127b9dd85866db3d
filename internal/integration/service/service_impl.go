package service

import (
	"context"
	"crypto/sha256"
	"strings"

	"github.com/bwmarrin/snowflake"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	"github.com/cloudact/quotagate/internal/config"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	"github.com/cloudact/quotagate/internal/integration/domain"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Clock   clock.Clock
	Cfg     config.Config
	Repo    domain.Repository
	GateSvc gatedomain.Service
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	clock   clock.Clock
	repo    domain.Repository
	gateSvc gatedomain.Service
	encKey  []byte
}

func NewService(p Params) domain.Service {
	secret := strings.TrimSpace(p.Cfg.IntegrationConfigSecret)
	var key []byte
	if secret != "" {
		sum := sha256.Sum256([]byte(secret))
		key = sum[:]
	}

	return &Service{
		db:      p.DB,
		log:     p.Log.Named("integration.service"),
		genID:   p.GenID,
		clock:   p.Clock,
		repo:    p.Repo,
		gateSvc: p.GateSvc,
		encKey:  key,
	}
}

// Register implements domain.Service.
func (s *Service) Register(ctx context.Context, req domain.RegisterRequest) (domain.CredentialSummary, error) {
	if req.OrgID == 0 {
		return domain.CredentialSummary{}, domain.ErrInvalidCredential
	}
	provider := strings.ToLower(strings.TrimSpace(req.Provider))
	name := strings.TrimSpace(req.Name)
	if provider == "" || name == "" || len(req.Config) == 0 {
		return domain.CredentialSummary{}, domain.ErrInvalidCredential
	}

	decision, err := s.gateSvc.CheckAndReserve(ctx, req.OrgID, gatedomain.ResourceIntegration)
	if err != nil {
		return domain.CredentialSummary{}, err
	}
	if !decision.Allowed {
		return domain.CredentialSummary{}, &gatedomain.RejectionError{Decision: decision}
	}

	sealed, err := EncryptConfig(s.encKey, req.Config)
	if err != nil {
		return domain.CredentialSummary{}, err
	}

	now := s.clock.Now()
	credential := domain.Credential{
		ID:        s.genID.Generate(),
		OrgID:     req.OrgID,
		Provider:  provider,
		Name:      name,
		Config:    sealed,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.repo.Insert(ctx, s.db, &credential); err != nil {
		return domain.CredentialSummary{}, err
	}

	s.log.Info("integration credential registered",
		zap.String("org_id", req.OrgID.String()),
		zap.String("provider", provider),
	)

	return domain.CredentialSummary{
		ID:        credential.ID,
		Provider:  credential.Provider,
		Name:      credential.Name,
		CreatedAt: credential.CreatedAt,
	}, nil
}

// List implements domain.Service.
func (s *Service) List(ctx context.Context, orgID snowflake.ID) ([]domain.CredentialSummary, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidCredential
	}
	credentials, err := s.repo.ListByOrg(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	summaries := make([]domain.CredentialSummary, 0, len(credentials))
	for _, credential := range credentials {
		summaries = append(summaries, domain.CredentialSummary{
			ID:        credential.ID,
			Provider:  credential.Provider,
			Name:      credential.Name,
			CreatedAt: credential.CreatedAt,
		})
	}
	return summaries, nil
}

// Remove implements domain.Service.
func (s *Service) Remove(ctx context.Context, orgID, credentialID snowflake.ID) error {
	if orgID == 0 || credentialID == 0 {
		return domain.ErrInvalidCredential
	}
	deleted, err := s.repo.Delete(ctx, s.db, orgID, credentialID)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrCredentialNotFound
	}
	return nil
}
