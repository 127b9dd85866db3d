package gate

import (
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/gate/service"
)

var Module = fx.Module("gate.service",
	fx.Provide(service.NewService),
)
