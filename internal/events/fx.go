package events

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("events",
	fx.Provide(NewWatermillPublisher),
	fx.Provide(func(p *WatermillPublisher) Publisher { return p }),
	fx.Invoke(registerSink),
)

// registerSink drains every topic into the structured log so published
// events are visible even without downstream consumers.
func registerSink(lc fx.Lifecycle, p *WatermillPublisher, log *zap.Logger) {
	ctx, cancel := context.WithCancel(context.Background())
	log = log.Named("events.sink")

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, topic := range Topics {
				messages, err := p.Subscribe(ctx, topic)
				if err != nil {
					cancel()
					return err
				}
				go func(topic string) {
					for msg := range messages {
						ev, err := Decode(msg)
						if err != nil {
							log.Warn("undecodable event", zap.String("topic", topic), zap.Error(err))
						} else {
							log.Info("billing event",
								zap.String("topic", topic),
								zap.String("subscription_id", ev.SubscriptionID),
								zap.String("creator_id", ev.CreatorID),
								zap.String("external_payment_id", ev.ExternalPaymentID),
							)
						}
						msg.Ack()
					}
				}(topic)
			}
			return nil
		},
		OnStop: func(context.Context) error {
			cancel()
			return p.Close()
		},
	})
}
