// Package dedupe is a redis fast path in front of the webhook_events table.
// The table stays authoritative; the guard only short-circuits redeliveries
// that were already processed.
package dedupe

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const keyPrefix = "patronage:webhook:processed:"

type Guard interface {
	Seen(ctx context.Context, externalEventID string) bool
	Remember(ctx context.Context, externalEventID string, ttl time.Duration)
}

// New returns a redis guard, or a guard that never matches when client is nil.
func New(client *redis.Client, log *zap.Logger) Guard {
	if client == nil {
		return nopGuard{}
	}
	return &redisGuard{client: client, log: log.Named("webhook.dedupe")}
}

type redisGuard struct {
	client *redis.Client
	log    *zap.Logger
}

func (g *redisGuard) Seen(ctx context.Context, externalEventID string) bool {
	n, err := g.client.Exists(ctx, keyPrefix+externalEventID).Result()
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			g.log.Warn("dedupe lookup failed, falling back to database",
				zap.String("external_event_id", externalEventID),
				zap.Error(err),
			)
		}
		return false
	}
	return n > 0
}

func (g *redisGuard) Remember(ctx context.Context, externalEventID string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	if err := g.client.Set(ctx, keyPrefix+externalEventID, "1", ttl).Err(); err != nil {
		g.log.Warn("dedupe remember failed",
			zap.String("external_event_id", externalEventID),
			zap.Error(err),
		)
	}
}

type nopGuard struct{}

func (nopGuard) Seen(context.Context, string) bool               { return false }
func (nopGuard) Remember(context.Context, string, time.Duration) {}

