package domain

import (
	"context"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	// Insert skips rows whose processor subscription id is already stored
	// and reports whether the row was written.
	Insert(ctx context.Context, db *gorm.DB, sub *Subscription) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Subscription, error)
	FindByProcessorID(ctx context.Context, db *gorm.DB, processorSubscriptionID string) (*Subscription, error)
	FindLiveByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) (*Subscription, error)
	ListByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) ([]Subscription, error)
	CountByPair(ctx context.Context, db *gorm.DB, subscriberID, creatorID snowflake.ID) (int64, error)
	ListBySubscriber(ctx context.Context, db *gorm.DB, subscriberID snowflake.ID) ([]Subscription, error)
	CountLiveByCreator(ctx context.Context, db *gorm.DB, creatorID snowflake.ID) (int64, error)

	// CompareAndSwap writes the mutable fields of sub when the stored
	// version still equals expected.
	CompareAndSwap(ctx context.Context, db *gorm.DB, sub *Subscription, expected int64) (bool, error)
	ClaimOrigin(ctx context.Context, db *gorm.DB, id snowflake.ID) (bool, error)

	InsertPayment(ctx context.Context, db *gorm.DB, payment *Payment) (bool, error)
	ListPayments(ctx context.Context, db *gorm.DB, subscriptionIDs []snowflake.ID) ([]Payment, error)
}
