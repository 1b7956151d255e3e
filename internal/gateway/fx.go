package gateway

import (
	"fmt"

	"github.com/smallbiznis/patronage/internal/config"
	"github.com/smallbiznis/patronage/internal/gateway/domain"
	"github.com/smallbiznis/patronage/internal/gateway/fake"
	"github.com/smallbiznis/patronage/internal/gateway/stripe"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("gateway",
	fx.Provide(Provide),
)

type Params struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Stripe stripe.Params
	Fake   fake.Params
}

// Provide selects the configured payment processor.
func Provide(p Params) (domain.PaymentGateway, error) {
	switch p.Config.Gateway.Provider {
	case config.GatewayStripe:
		return stripe.New(p.Stripe)
	case config.GatewayFake:
		p.Log.Warn("using in-memory fake payment gateway")
		return fake.New(p.Fake), nil
	default:
		return nil, fmt.Errorf("unsupported billing gateway %q", p.Config.Gateway.Provider)
	}
}
