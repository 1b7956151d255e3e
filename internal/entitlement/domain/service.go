package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/patronage/internal/apperr"
	subscriptiondomain "github.com/smallbiznis/patronage/internal/subscription/domain"
)

// Result carries the raw subscription state behind an entitlement answer so
// callers can apply a stricter policy, e.g. refusing past_due.
type Result struct {
	Entitled       bool                      `json:"entitled"`
	Status         subscriptiondomain.Status `json:"status,omitempty"`
	SubscriptionID *snowflake.ID             `json:"subscription_id,omitempty"`
	PeriodEnd      *time.Time                `json:"period_end,omitempty"`
}

type Service interface {
	IsEntitled(ctx context.Context, subscriberID, creatorID snowflake.ID, now time.Time) (bool, error)
	Check(ctx context.Context, subscriberID, creatorID snowflake.ID, now time.Time) (Result, error)
}

var ErrInvalidPair = apperr.New(apperr.KindValidation, "invalid_entitlement_pair")
