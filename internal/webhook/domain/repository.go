package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, externalEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
	PurgeProcessed(ctx context.Context, db *gorm.DB, before time.Time, limit int) (int64, error)

	InsertDeferred(ctx context.Context, db *gorm.DB, event *DeferredEvent) (bool, error)
	ListPendingByReference(ctx context.Context, db *gorm.DB, reference string) ([]DeferredEvent, error)
	ListDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]DeferredEvent, error)
	MarkApplied(ctx context.Context, db *gorm.DB, id snowflake.ID, appliedAt time.Time) (bool, error)
	RecordAttempt(ctx context.Context, db *gorm.DB, id snowflake.ID, lastError string, next time.Time, abandonedAt *time.Time) error
}
