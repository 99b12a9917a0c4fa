package failedjob

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/failedjob/service"
)

var Module = fx.Module("failedjob.service",
	fx.Provide(service.NewService),
)
