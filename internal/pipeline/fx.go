package pipeline

import (
	"go.uber.org/fx"

	"github.com/cloudact/quotagate/internal/pipeline/repository"
)

var Module = fx.Module("pipeline",
	fx.Provide(repository.Provide),
)
