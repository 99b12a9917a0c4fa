package packageplan

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/packageplan/service"
)

var Module = fx.Module("packageplan.service",
	fx.Provide(service.NewService),
)
