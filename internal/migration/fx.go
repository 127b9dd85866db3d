package migration

import (
	"go.uber.org/fx"
	"gorm.io/gorm"

	billingsyncdomain "github.com/cloudact/quotagate/internal/billingsync/domain"
	"github.com/cloudact/quotagate/internal/config"
	integrationdomain "github.com/cloudact/quotagate/internal/integration/domain"
	orgdomain "github.com/cloudact/quotagate/internal/organization/domain"
	pipelinedomain "github.com/cloudact/quotagate/internal/pipeline/domain"
	quotadomain "github.com/cloudact/quotagate/internal/quota/domain"
	"github.com/cloudact/quotagate/internal/seed"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config) error {
		if cfg.DBType == "postgres" {
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		} else {
			// The embedded SQL targets PostgreSQL.
			if err := conn.AutoMigrate(
				&orgdomain.Organization{},
				&orgdomain.Member{},
				&quotadomain.OrgQuota{},
				&pipelinedomain.PipelineRun{},
				&billingsyncdomain.EventRecord{},
				&integrationdomain.Credential{},
			); err != nil {
				return err
			}
		}

		if cfg.Bootstrap.EnsureDefaultOrg {
			return seed.EnsureMainOrg(conn)
		}
		return nil
	}),
)
