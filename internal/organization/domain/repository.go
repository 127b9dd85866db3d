package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	CreateOrganization(ctx context.Context, tx *gorm.DB, org *Organization) error
	FindOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (Organization, error)
	AddMember(ctx context.Context, tx *gorm.DB, member *Member) error
	ListMembers(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) ([]Member, error)
	FindMember(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (Member, error)
	DeleteMember(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (bool, error)
	CountMembers(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (int64, error)
}
