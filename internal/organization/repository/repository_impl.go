package repository

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/organization/domain"
	"github.com/cloudact/quotagate/pkg/db"
)

type repository struct{}

func Provide() domain.Repository {
	return &repository{}
}

func (r *repository) CreateOrganization(ctx context.Context, tx *gorm.DB, org *domain.Organization) error {
	if err := tx.WithContext(ctx).Create(org).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrInvalidOrg
		}
		return err
	}
	return nil
}

func (r *repository) FindOrganization(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (domain.Organization, error) {
	var org domain.Organization
	err := tx.WithContext(ctx).First(&org, "id = ?", orgID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Organization{}, domain.ErrOrgNotFound
	}
	return org, err
}

func (r *repository) AddMember(ctx context.Context, tx *gorm.DB, member *domain.Member) error {
	if err := tx.WithContext(ctx).Create(member).Error; err != nil {
		if db.IsDuplicateKeyErr(err) {
			return domain.ErrMemberExists
		}
		return err
	}
	return nil
}

func (r *repository) ListMembers(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) ([]domain.Member, error) {
	var members []domain.Member
	err := tx.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&members).Error
	return members, err
}

func (r *repository) FindMember(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (domain.Member, error) {
	var member domain.Member
	err := tx.WithContext(ctx).
		First(&member, "org_id = ? AND user_id = ?", orgID, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Member{}, domain.ErrMemberNotFound
	}
	return member, err
}

func (r *repository) DeleteMember(ctx context.Context, tx *gorm.DB, orgID, userID snowflake.ID) (bool, error) {
	res := tx.WithContext(ctx).
		Where("org_id = ? AND user_id = ?", orgID, userID).
		Delete(&domain.Member{})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected > 0, nil
}

func (r *repository) CountMembers(ctx context.Context, tx *gorm.DB, orgID snowflake.ID) (int64, error) {
	var count int64
	err := tx.WithContext(ctx).
		Raw("SELECT COUNT(*) FROM org_members WHERE org_id = ?", orgID).
		Scan(&count).Error
	return count, err
}
