package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/patronage/internal/apperr"
	"gorm.io/gorm"
)

const (
	PeriodAll   = "all"
	PeriodMonth = "month"
)

// Summary aggregates a creator's ledger over a period.
type Summary struct {
	CreatorID snowflake.ID    `json:"creator_id"`
	Period    string          `json:"period"`
	Currency  string          `json:"currency"`
	Gross     decimal.Decimal `json:"gross"`
	Fees      decimal.Decimal `json:"fees"`
	Net       decimal.Decimal `json:"net"`
	Entries   int64           `json:"entries"`
}

// RecomputeResult reports counter drift found while rebuilding from the ledger.
type RecomputeResult struct {
	CreatorID     snowflake.ID `json:"creator_id"`
	Total         int64        `json:"earnings_total"`
	ThisMonth     int64        `json:"earnings_this_month"`
	Month         string       `json:"earnings_month"`
	PreviousTotal int64        `json:"previous_earnings_total"`
	PreviousMonth int64        `json:"previous_earnings_this_month"`
	Drifted       bool         `json:"drifted"`
}

type RecomputeReport struct {
	Checked int `json:"checked"`
	Drifted int `json:"drifted"`
}

type Service interface {
	// Append records an entry at most once and applies its net amount to
	// the creator's counters in the same transaction. When tx is nil the
	// service opens its own transaction.
	Append(ctx context.Context, tx *gorm.DB, entry Entry) (bool, error)
	// FindPayment returns the entry recorded under any of refs.
	FindPayment(ctx context.Context, tx *gorm.DB, refs ...string) (*Entry, error)
	Summary(ctx context.Context, creatorID snowflake.ID, period string) (Summary, error)
	Recompute(ctx context.Context, creatorID snowflake.ID) (RecomputeResult, error)
	RecomputeAll(ctx context.Context) (RecomputeReport, error)
}

var (
	ErrInvalidCreator   = apperr.New(apperr.KindValidation, "invalid_creator")
	ErrInvalidReference = apperr.New(apperr.KindValidation, "invalid_external_payment_id")
	ErrInvalidKind      = apperr.New(apperr.KindValidation, "invalid_entry_kind")
	ErrInvalidCurrency  = apperr.New(apperr.KindValidation, "invalid_currency")
	ErrInvalidPeriod    = apperr.New(apperr.KindValidation, "invalid_period")
	ErrCreatorNotFound  = apperr.New(apperr.KindNotFound, "creator_not_found")
)
