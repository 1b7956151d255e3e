package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// EarningsDelta is applied to a creator's counters in one statement.
type EarningsDelta struct {
	Net          int64
	MonthNet     int64
	CurrentMonth string
}

// Earnings is a full rewrite of the denormalized earnings counters.
type Earnings struct {
	Total     int64
	ThisMonth int64
	Month     string
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, user *User) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*User, error)
	ListIDs(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]snowflake.ID, error)

	// CompareAndSetBillingCustomerID swaps the reference only when it still
	// equals prev (nil meaning unset).
	CompareAndSetBillingCustomerID(ctx context.Context, db *gorm.DB, id snowflake.ID, prev *string, next string) (bool, error)
	CompareAndSetBillingProductID(ctx context.Context, db *gorm.DB, id snowflake.ID, next string) (bool, error)

	AddSubscribers(ctx context.Context, db *gorm.DB, id snowflake.ID, delta int64) error
	ApplyEarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, delta EarningsDelta) error
	SetEarnings(ctx context.Context, db *gorm.DB, id snowflake.ID, earnings Earnings) error
	SetSubscriberCount(ctx context.Context, db *gorm.DB, id snowflake.ID, count int64) error
}
