package organization

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"

	gatedomain "github.com/cloudact/quotagate/internal/gate/domain"
	"github.com/cloudact/quotagate/internal/organization/domain"
)

// Counter derives seat usage from membership rows.
type Counter struct {
	db   *gorm.DB
	repo domain.Repository
}

func NewCounter(db *gorm.DB, repo domain.Repository) gatedomain.SeatCounter {
	return &Counter{db: db, repo: repo}
}

func (c *Counter) CountMembers(ctx context.Context, orgID snowflake.ID) (int64, error) {
	return c.repo.CountMembers(ctx, c.db, orgID)
}
