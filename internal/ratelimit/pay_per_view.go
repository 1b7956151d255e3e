package ratelimit

import (
	"context"
	"fmt"

	"github.com/bwmarrin/snowflake"
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/patronage/internal/config"
	"go.uber.org/zap"
)

const keyPayPerViewBuyer = "patronage:ratelimit:ppv:%s"

// PayPerViewLimiter caps how fast one buyer can open payment intents.
// A nil limiter allows everything.
type PayPerViewLimiter struct {
	bucket *TokenBucket
	log    *zap.Logger
	rate   float64
	burst  int
}

func NewPayPerViewLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) *PayPerViewLimiter {
	if client == nil || cfg.RateLimit.PayPerViewRate <= 0 || cfg.RateLimit.PayPerViewBurst <= 0 {
		return nil
	}
	return &PayPerViewLimiter{
		bucket: NewTokenBucket(client),
		log:    log.Named("ratelimit.pay_per_view"),
		rate:   cfg.RateLimit.PayPerViewRate,
		burst:  cfg.RateLimit.PayPerViewBurst,
	}
}

// Allow fails open when redis errors; throttling must not block purchases.
func (l *PayPerViewLimiter) Allow(ctx context.Context, buyerID snowflake.ID) Result {
	if l == nil {
		return Result{Allowed: true}
	}
	res, err := l.bucket.Allow(ctx, fmt.Sprintf(keyPayPerViewBuyer, buyerID), l.rate, l.burst)
	if err != nil {
		l.log.Warn("rate limit check failed", zap.String("buyer_id", buyerID.String()), zap.Error(err))
		return Result{Allowed: true}
	}
	return res
}
