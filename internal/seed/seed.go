// Package seed bootstraps a default organization so a fresh install can
// admit work without an onboarding call.
package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	orgdomain "github.com/cloudact/quotagate/internal/organization/domain"
	"github.com/cloudact/quotagate/internal/plan"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
)

const (
	defaultOrgName = "Main"
	defaultOrgSlug = "main"
)

// EnsureMainOrg seeds the default organization and its quota record. It is
// idempotent across restarts.
func EnsureMainOrg(db *gorm.DB) error {
	if db == nil {
		return errors.New("seed database handle is required")
	}

	node, err := snowflake.NewNode(1)
	if err != nil {
		return err
	}

	ctx := context.Background()
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		org, err := ensureMainOrgTx(ctx, tx, node)
		if err != nil {
			return err
		}
		return ensureQuotaTx(ctx, tx, org)
	})
}

func ensureMainOrgTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node) (orgdomain.Organization, error) {
	var org orgdomain.Organization
	err := tx.WithContext(ctx).Where("slug = ?", defaultOrgSlug).First(&org).Error
	if err == nil {
		return org, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return orgdomain.Organization{}, err
	}

	now := time.Now().UTC()
	org = orgdomain.Organization{
		ID:           node.Generate(),
		Name:         defaultOrgName,
		Slug:         defaultOrgSlug,
		TimezoneName: "UTC",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := tx.WithContext(ctx).Create(&org).Error; err != nil {
		return orgdomain.Organization{}, err
	}
	return org, nil
}

func ensureQuotaTx(ctx context.Context, tx *gorm.DB, org orgdomain.Organization) error {
	var existing quotadomain.OrgQuota
	err := tx.WithContext(ctx).Where("org_id = ?", org.ID).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	now := time.Now().UTC()
	record := quotadomain.OrgQuota{
		OrgID:            org.ID,
		PlanTier:         plan.TierStarter,
		BillingStatus:    quotadomain.BillingStatusTrial,
		Timezone:         org.TimezoneName,
		PeriodDayStart:   time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC),
		PeriodMonthStart: time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	return tx.WithContext(ctx).Create(&record).Error
}
