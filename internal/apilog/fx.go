package apilog

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/apilog/service"
)

var Module = fx.Module("apilog.service",
	fx.Provide(service.NewService),
)
