package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"

	"github.com/cloudact/quotagate/internal/plan"
)

const (
	RoleOwner  = "OWNER"
	RoleAdmin  = "ADMIN"
	RoleMember = "MEMBER"
)

var (
	ErrOrgNotFound    = errors.New("org_not_found")
	ErrInvalidOrg     = errors.New("invalid_organization")
	ErrInvalidUser    = errors.New("invalid_user")
	ErrInvalidRole    = errors.New("invalid_role")
	ErrMemberExists   = errors.New("member_exists")
	ErrMemberNotFound = errors.New("member_not_found")
	ErrOwnerImmutable = errors.New("owner_immutable")
)

// OnboardRequest provisions a new tenant together with its quota record.
type OnboardRequest struct {
	Name        string
	Timezone    string
	Tier        plan.Tier
	OwnerUserID snowflake.ID
}

type OrganizationResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	Timezone  string    `json:"timezone"`
	PlanTier  string    `json:"plan_tier"`
	CreatedAt time.Time `json:"created_at"`
}

type MemberResponse struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"created_at"`
}

type Service interface {
	// Onboard creates the organization, its owner membership and its quota
	// record in one pass. The owner seat is never gated.
	Onboard(ctx context.Context, req OnboardRequest) (OrganizationResponse, error)

	// GetByID returns the organization together with its current plan tier.
	GetByID(ctx context.Context, orgID snowflake.ID) (OrganizationResponse, error)

	// AddMember admits a new seat through the enforcement gate before
	// inserting the membership row.
	AddMember(ctx context.Context, orgID, userID snowflake.ID, role string) (MemberResponse, error)

	ListMembers(ctx context.Context, orgID snowflake.ID) ([]MemberResponse, error)

	// RemoveMember deletes a membership row. The OWNER seat cannot be removed.
	RemoveMember(ctx context.Context, orgID, userID snowflake.ID) error
}
