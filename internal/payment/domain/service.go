package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/patronage/internal/apperr"
)

type PayPerViewRequest struct {
	BuyerID    snowflake.ID    `json:"buyer_id"`
	CreatorID  snowflake.ID    `json:"creator_id"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	ContentRef string          `json:"content_ref"`
	// IdempotencyKey is forwarded to the processor. When empty one is
	// derived from the purchase so a retried request reuses the intent.
	IdempotencyKey string `json:"-"`
}

// Intent is what a client needs to confirm a one-off payment.
type Intent struct {
	PaymentIntentID string          `json:"payment_intent_id"`
	ClientSecret    string          `json:"client_secret"`
	Amount          decimal.Decimal `json:"amount"`
	Currency        string          `json:"currency"`
}

type Service interface {
	// CreatePayPerViewIntent starts a one-off charge. The creator is
	// credited when the processor reports the intent as succeeded.
	CreatePayPerViewIntent(ctx context.Context, req PayPerViewRequest) (Intent, error)
}

var (
	ErrInvalidAmount   = apperr.New(apperr.KindValidation, "invalid_amount")
	ErrInvalidCurrency = apperr.New(apperr.KindValidation, "invalid_currency")
	ErrInvalidBuyer    = apperr.New(apperr.KindValidation, "invalid_buyer")
	ErrSelfPurchase    = apperr.New(apperr.KindValidation, "self_purchase")
	ErrContentRefLong  = apperr.New(apperr.KindValidation, "content_ref_too_long")
	ErrCreatorNotFound = apperr.New(apperr.KindNotFound, "creator_not_found")
)
