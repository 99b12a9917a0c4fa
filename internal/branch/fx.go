package branch

import (
	"go.uber.org/fx"

	branchdomain "github.com/nexfon/cbg/internal/branch/domain"
	"github.com/nexfon/cbg/internal/branch/service"
)

var Module = fx.Module("branch.service",
	fx.Provide(service.NewService),
	fx.Invoke(func(lc fx.Lifecycle, svc branchdomain.Service) {
		lc.Append(fx.Hook{OnStart: svc.EnsureSeeded})
	}),
)
