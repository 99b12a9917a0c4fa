package operator

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/operator/service"
)

var Module = fx.Module("operator.service",
	fx.Provide(service.NewService),
)
