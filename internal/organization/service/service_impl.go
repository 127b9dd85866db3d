package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gosimple/slug"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/clock"
	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	"github.com/cloudact/quotagate/internal/organization/domain"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Clock    clock.Clock
	Repo     domain.Repository
	QuotaSvc quotadomain.Service
	GateSvc  gatedomain.Service
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	clock    clock.Clock
	repo     domain.Repository
	quotaSvc quotadomain.Service
	gateSvc  gatedomain.Service
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("organization.service"),
		genID:    p.GenID,
		clock:    p.Clock,
		repo:     p.Repo,
		quotaSvc: p.QuotaSvc,
		gateSvc:  p.GateSvc,
	}
}

// Onboard implements domain.Service.
func (s *Service) Onboard(ctx context.Context, req domain.OnboardRequest) (domain.OrganizationResponse, error) {
	name := strings.TrimSpace(req.Name)
	if name == "" {
		return domain.OrganizationResponse{}, domain.ErrInvalidOrg
	}
	if req.OwnerUserID == 0 {
		return domain.OrganizationResponse{}, domain.ErrInvalidUser
	}

	tier := req.Tier
	if tier == "" {
		tier = plan.TierStarter
	}
	if _, err := plan.ParseTier(string(tier)); err != nil {
		return domain.OrganizationResponse{}, err
	}

	timezone := strings.TrimSpace(req.Timezone)
	if timezone == "" {
		timezone = "UTC"
	}

	now := s.clock.Now().UTC()
	org := domain.Organization{
		ID:           s.genID.Generate(),
		Name:         name,
		Slug:         slug.Make(name),
		TimezoneName: timezone,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := s.repo.CreateOrganization(ctx, tx, &org); err != nil {
			return err
		}
		owner := domain.Member{
			ID:        s.genID.Generate(),
			OrgID:     org.ID,
			UserID:    req.OwnerUserID,
			Role:      domain.RoleOwner,
			CreatedAt: now,
		}
		return s.repo.AddMember(ctx, tx, &owner)
	})
	if err != nil {
		return domain.OrganizationResponse{}, err
	}

	record, err := s.quotaSvc.CreateForOrg(ctx, org.ID, tier, timezone)
	if err != nil {
		return domain.OrganizationResponse{}, err
	}

	s.log.Info("organization onboarded",
		zap.String("org_id", org.ID.String()),
		zap.String("plan_tier", string(record.PlanTier)),
	)

	return domain.OrganizationResponse{
		ID:        org.ID.String(),
		Name:      org.Name,
		Slug:      org.Slug,
		Timezone:  org.TimezoneName,
		PlanTier:  string(record.PlanTier),
		CreatedAt: org.CreatedAt,
	}, nil
}

// GetByID implements domain.Service.
func (s *Service) GetByID(ctx context.Context, orgID snowflake.ID) (domain.OrganizationResponse, error) {
	if orgID == 0 {
		return domain.OrganizationResponse{}, domain.ErrInvalidOrg
	}
	org, err := s.repo.FindOrganization(ctx, s.db, orgID)
	if err != nil {
		return domain.OrganizationResponse{}, err
	}

	resp := domain.OrganizationResponse{
		ID:        org.ID.String(),
		Name:      org.Name,
		Slug:      org.Slug,
		Timezone:  org.TimezoneName,
		CreatedAt: org.CreatedAt,
	}
	if record, err := s.quotaSvc.GetQuota(ctx, orgID); err == nil {
		resp.PlanTier = string(record.PlanTier)
	}
	return resp, nil
}

// AddMember implements domain.Service.
func (s *Service) AddMember(ctx context.Context, orgID, userID snowflake.ID, role string) (domain.MemberResponse, error) {
	if orgID == 0 {
		return domain.MemberResponse{}, domain.ErrInvalidOrg
	}
	if userID == 0 {
		return domain.MemberResponse{}, domain.ErrInvalidUser
	}
	role = strings.ToUpper(strings.TrimSpace(role))
	switch role {
	case domain.RoleAdmin, domain.RoleMember:
	case domain.RoleOwner:
		// The owner seat is created once, at onboarding.
		return domain.MemberResponse{}, domain.ErrInvalidRole
	default:
		return domain.MemberResponse{}, domain.ErrInvalidRole
	}

	if _, err := s.repo.FindOrganization(ctx, s.db, orgID); err != nil {
		return domain.MemberResponse{}, err
	}

	decision, err := s.gateSvc.CheckAndReserve(ctx, orgID, gatedomain.ResourceSeat)
	if err != nil {
		return domain.MemberResponse{}, err
	}
	if !decision.Allowed {
		return domain.MemberResponse{}, &gatedomain.RejectionError{Decision: decision}
	}

	member := domain.Member{
		ID:        s.genID.Generate(),
		OrgID:     orgID,
		UserID:    userID,
		Role:      role,
		CreatedAt: s.clock.Now().UTC(),
	}
	if err := s.repo.AddMember(ctx, s.db, &member); err != nil {
		return domain.MemberResponse{}, err
	}

	s.log.Info("member added",
		zap.String("org_id", orgID.String()),
		zap.String("user_id", userID.String()),
		zap.String("role", role),
	)

	return domain.MemberResponse{
		ID:        member.ID.String(),
		UserID:    member.UserID.String(),
		Role:      member.Role,
		CreatedAt: member.CreatedAt,
	}, nil
}

// ListMembers implements domain.Service.
func (s *Service) ListMembers(ctx context.Context, orgID snowflake.ID) ([]domain.MemberResponse, error) {
	if orgID == 0 {
		return nil, domain.ErrInvalidOrg
	}
	members, err := s.repo.ListMembers(ctx, s.db, orgID)
	if err != nil {
		return nil, err
	}
	resp := make([]domain.MemberResponse, 0, len(members))
	for _, member := range members {
		resp = append(resp, domain.MemberResponse{
			ID:        member.ID.String(),
			UserID:    member.UserID.String(),
			Role:      member.Role,
			CreatedAt: member.CreatedAt,
		})
	}
	return resp, nil
}

// RemoveMember implements domain.Service.
func (s *Service) RemoveMember(ctx context.Context, orgID, userID snowflake.ID) error {
	if orgID == 0 {
		return domain.ErrInvalidOrg
	}
	if userID == 0 {
		return domain.ErrInvalidUser
	}

	member, err := s.repo.FindMember(ctx, s.db, orgID, userID)
	if err != nil {
		return err
	}
	if member.Role == domain.RoleOwner {
		return domain.ErrOwnerImmutable
	}

	deleted, err := s.repo.DeleteMember(ctx, s.db, orgID, userID)
	if err != nil {
		return err
	}
	if !deleted {
		return domain.ErrMemberNotFound
	}
	return nil
}
