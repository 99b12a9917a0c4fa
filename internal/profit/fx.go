package profit

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/profit/service"
)

var Module = fx.Module("profit.service",
	fx.Provide(service.NewService),
)
