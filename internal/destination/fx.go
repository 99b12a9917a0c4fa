package destination

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/destination/service"
)

var Module = fx.Module("destination.service",
	fx.Provide(service.NewService),
)
