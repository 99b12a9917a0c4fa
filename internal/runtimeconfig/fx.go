package runtimeconfig

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/runtimeconfig/service"
)

var Module = fx.Module("runtimeconfig.service",
	fx.Provide(service.NewService),
)
