package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	UpsertTier(ctx context.Context, db *gorm.DB, tier *Tier) error
	FindTier(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval Interval) (*Tier, error)
	ListTiers(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) ([]Tier, error)
	SetTierActive(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval Interval, active bool) (bool, error)

	FindPrice(ctx context.Context, db *gorm.DB, creatorID snowflake.ID, interval Interval, amountMinor int64, currency string) (*Price, error)
	InsertPrice(ctx context.Context, db *gorm.DB, price *Price) (bool, error)
}
