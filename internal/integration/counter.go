package integration

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	"github.com/cloudact/quotagate/internal/integration/domain"
)

// Counter exposes the derived credential count to the enforcement gate.
type Counter struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewCounter(db *gorm.DB, repo domain.Repository) gatedomain.IntegrationCounter {
	return &Counter{db: db, repo: repo}
}

func (c *Counter) CountCredentials(ctx context.Context, orgID snowflake.ID) (int64, error) {
	return c.repo.CountByOrg(ctx, c.db, orgID)
}
