package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/patronage/internal/apperr"
)

type SetTierRequest struct {
	CreatorID snowflake.ID    `json:"-"`
	Interval  Interval        `json:"interval"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
}

type Service interface {
	SetTier(ctx context.Context, req SetTierRequest) (Tier, error)
	ListTiers(ctx context.Context, creatorID snowflake.ID) ([]Tier, error)
	DisableTier(ctx context.Context, creatorID snowflake.ID, interval Interval) error
	// EnsurePrice returns the processor price for the creator's current
	// tier, creating the product and price remotely on first use.
	EnsurePrice(ctx context.Context, creatorID snowflake.ID, interval Interval) (Price, error)
}

var (
	ErrInvalidInterval = apperr.New(apperr.KindValidation, "invalid_interval")
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "invalid_amount")
	ErrInvalidCurrency = apperr.New(apperr.KindValidation, "invalid_currency")
	ErrCreatorNotFound = apperr.New(apperr.KindNotFound, "creator_not_found")
	ErrTierNotFound    = apperr.New(apperr.KindNotFound, "tier_not_found")
)
