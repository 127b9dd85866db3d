package organization

import (
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/organization/repository"
	"github.com/cloudact/quotagate/internal/organization/service"
)

var Module = fx.Module("organization.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewCounter),
	fx.Provide(service.NewService),
)
