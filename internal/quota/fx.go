package quota

import (
	"github.com/cloudact/quotagate/internal/quota/repository"
	"github.com/cloudact/quotagate/internal/quota/service"
	"go.uber.org/fx"
)

var Module = fx.Module("quota",
	fx.Provide(repository.NewRepository),
	fx.Provide(service.NewService),
)
