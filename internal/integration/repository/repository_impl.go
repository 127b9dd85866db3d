package repository

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	"github.com/cloudact/quotagate/internal/integration/domain"
	"github.com/cloudact/quotagate/pkg/db"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, conn *gorm.DB, credential *domain.Credential) error {
	if credential == nil || credential.ID == 0 || credential.OrgID == 0 {
		return domain.ErrInvalidCredential
	}
	err := conn.WithContext(ctx).Create(credential).Error
	if db.IsDuplicateKeyErr(err) {
		return domain.ErrCredentialExists
	}
	return err
}

func (r *repo) Delete(ctx context.Context, conn *gorm.DB, orgID, credentialID snowflake.ID) (bool, error) {
	result := conn.WithContext(ctx).Exec(
		`DELETE FROM integration_credentials WHERE id = ? AND org_id = ?`,
		credentialID,
		orgID,
	)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected > 0, nil
}

func (r *repo) ListByOrg(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) ([]domain.Credential, error) {
	var credentials []domain.Credential
	err := conn.WithContext(ctx).
		Where("org_id = ?", orgID).
		Order("created_at ASC").
		Find(&credentials).Error
	if err != nil {
		return nil, err
	}
	return credentials, nil
}

// CountByOrg is the derived usage number consumed by the enforcement gate.
func (r *repo) CountByOrg(ctx context.Context, conn *gorm.DB, orgID snowflake.ID) (int64, error) {
	var count int64
	err := conn.WithContext(ctx).Raw(
		`SELECT COUNT(1) FROM integration_credentials WHERE org_id = ?`,
		orgID,
	).Scan(&count).Error
	return count, err
}
