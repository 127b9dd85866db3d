package billingsync

import (
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/billingsync/adapters"
	"github.com/cloudact/quotagate/internal/billingsync/adapters/stripe"
	"github.com/cloudact/quotagate/internal/billingsync/repository"
	"github.com/cloudact/quotagate/internal/billingsync/service"
	"github.com/cloudact/quotagate/internal/clock"
)

var Module = fx.Module("billingsync.service",
	fx.Provide(repository.Provide),
	fx.Provide(func(clk clock.Clock) *adapters.Registry {
		return adapters.NewRegistry(
			stripe.NewFactory(clk),
		)
	}),
	fx.Provide(service.NewService),
)
