package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
)

type Interval string

const (
	IntervalMonth Interval = "month"
	IntervalYear  Interval = "year"
)

func (i Interval) Valid() bool {
	return i == IntervalMonth || i == IntervalYear
}

// Tier is the creator-set price for one billing interval.
type Tier struct {
	ID        snowflake.ID    `gorm:"primaryKey" json:"id"`
	CreatorID snowflake.ID    `gorm:"not null;uniqueIndex:ux_subscription_tiers_creator_interval,priority:1" json:"creator_id"`
	Interval  Interval        `gorm:"column:billing_interval;type:varchar(16);not null;uniqueIndex:ux_subscription_tiers_creator_interval,priority:2" json:"interval"`
	Amount    decimal.Decimal `gorm:"type:numeric(12,2);not null" json:"amount"`
	Currency  string          `gorm:"type:varchar(3);not null" json:"currency"`
	Active    bool            `gorm:"not null" json:"active"`
	CreatedAt time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time       `gorm:"not null" json:"updated_at"`
}

func (Tier) TableName() string { return "subscription_tiers" }

// Price caches a processor price object. Prices are immutable on the
// processor, so a tier amount change produces a new row.
type Price struct {
	ID               snowflake.ID `gorm:"primaryKey" json:"id"`
	CreatorID        snowflake.ID `gorm:"not null;uniqueIndex:ux_creator_prices_key,priority:1" json:"creator_id"`
	Interval         Interval     `gorm:"column:billing_interval;type:varchar(16);not null;uniqueIndex:ux_creator_prices_key,priority:2" json:"interval"`
	AmountMinor      int64        `gorm:"not null;uniqueIndex:ux_creator_prices_key,priority:3" json:"amount_minor"`
	Currency         string       `gorm:"type:varchar(3);not null;uniqueIndex:ux_creator_prices_key,priority:4" json:"currency"`
	ProductID        string       `gorm:"type:varchar(255);not null" json:"product_id"`
	ProcessorPriceID string       `gorm:"type:varchar(255);not null" json:"processor_price_id"`
	CreatedAt        time.Time    `gorm:"not null" json:"created_at"`
}

func (Price) TableName() string { return "creator_prices" }
