package scheduler

import (
	"context"

	"github.com/smallbiznis/patronage/internal/config"
	ledgerdomain "github.com/smallbiznis/patronage/internal/ledger/domain"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
	webhookdomain "github.com/smallbiznis/patronage/internal/webhook/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("scheduler",
	fx.Provide(ProvideConfig),
	fx.Provide(
		func(s webhookdomain.Service) WebhookMaintainer { return s },
		func(s ledgerdomain.Service) EarningsReconciler { return s },
		func(s subscriptiondomain.Service) SubscriberCounter { return s },
	),
	fx.Provide(New),
	fx.Invoke(NewScheduler),
)

func NewScheduler(lc fx.Lifecycle, cfg config.Config, sched *Scheduler) {
	if !cfg.SchedulerEnabled {
		return
	}

	var cancel context.CancelFunc
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			go func() {
				defer close(done)
				sched.RunForever(ctx)
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-ctx.Done():
			}
			return nil
		},
	})
}
