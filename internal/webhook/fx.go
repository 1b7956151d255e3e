package webhook

import (
	"github.com/smallbiznis/patronage/internal/webhook/dedupe"
	"github.com/smallbiznis/patronage/internal/webhook/repository"
	"github.com/smallbiznis/patronage/internal/webhook/service"
	"go.uber.org/fx"
)

var Module = fx.Module("webhook.processor",
	fx.Provide(repository.Provide),
	fx.Provide(dedupe.New),
	fx.Provide(service.New),
	fx.Provide(service.ProvideService),
	fx.Provide(service.ProvideReplayer),
)
