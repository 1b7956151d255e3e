package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/patronage/internal/config"
	"go.uber.org/zap"
)

func TestNilLimiterAllows(t *testing.T) {
	limiter := NewPayPerViewLimiter(config.Config{RateLimit: config.RateLimitConfig{PayPerViewRate: 1, PayPerViewBurst: 1}}, nil, zap.NewNop())
	if limiter != nil {
		t.Fatalf("expected nil limiter without redis")
	}
	if !limiter.Allow(context.Background(), 42).Allowed {
		t.Fatalf("nil limiter must allow")
	}
}

func TestRetryAfter(t *testing.T) {
	if got := retryAfter(true, 0, 1); got != 0 {
		t.Fatalf("allowed requests have no retry, got %v", got)
	}
	if got := retryAfter(false, 0.5, 0.5); got != time.Second {
		t.Fatalf("expected 1s, got %v", got)
	}
}

func TestBucketTTL(t *testing.T) {
	if got := bucketTTL(0.5, 5); got != 20*time.Second {
		t.Fatalf("expected 20s, got %v", got)
	}
	if got := bucketTTL(100, 1); got != time.Second {
		t.Fatalf("expected floor of 1s, got %v", got)
	}
}

func TestScriptReplyParsing(t *testing.T) {
	if toInt(int64(1)) != 1 || toInt("1") != 1 || toInt(nil) != 0 {
		t.Fatalf("unexpected int parsing")
	}
	if toFloat("2.5") != 2.5 || toFloat(int64(3)) != 3 {
		t.Fatalf("unexpected float parsing")
	}
}
