package subscription

import (
	"github.com/smallbiznis/patronage/internal/subscription/repository"
	"github.com/smallbiznis/patronage/internal/subscription/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscription.service",
	fx.Provide(repository.Provide),
	fx.Provide(service.NewSync),
	fx.Provide(service.ProvideStateSync),
	fx.Provide(service.New),
)
