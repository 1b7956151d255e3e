package customer

import (
	"github.com/smallbiznis/patronage/internal/customer/service"
	"go.uber.org/fx"
)

var Module = fx.Module("customer.service",
	fx.Provide(service.New),
)
