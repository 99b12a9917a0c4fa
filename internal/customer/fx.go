package customer

import (
	"go.uber.org/fx"

	"github.com/nexfon/cbg/internal/customer/service"
)

var Module = fx.Module("customer.service",
	fx.Provide(service.NewService),
)
