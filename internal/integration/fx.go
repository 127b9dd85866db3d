package integration

import (
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/integration/repository"
	"github.com/cloudact/quotagate/internal/integration/service"
)

var Module = fx.Module("integration.service",
	fx.Provide(repository.Provide),
	fx.Provide(NewCounter),
	fx.Provide(service.NewService),
)
